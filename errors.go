// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package appmesh

import (
	"errors"
)

// ErrKind tags an error with the taxonomy from the error handling design:
// InvalidInput, Unauthorized, Conflict, SpawnFailed, Timeout, NotFound,
// or Transient. Fatal startup errors (unreadable main configuration) are
// not part of this taxonomy; the appmeshd main package reports those
// directly.
type ErrKind int

const (
	KindInvalidInput ErrKind = iota
	KindUnauthorized
	KindConflict
	KindSpawnFailed
	KindTimeout
	KindNotFound
	KindTransient
)

func (k ErrKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindUnauthorized:
		return "Unauthorized"
	case KindConflict:
		return "Conflict"
	case KindSpawnFailed:
		return "SpawnFailed"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindTransient:
		return "Transient"
	}
	return "Unknown"
}

// Error wraps an underlying cause with a taxonomy kind, so callers at the
// control surface can map it to a wire status without string matching.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errKindOf(err error) (ErrKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// KindOf reports the taxonomy kind tagged on err, or InvalidInput if
// err was not produced by this package (the safest default for a
// transport binding deciding an HTTP status).
func KindOf(err error) ErrKind {
	if k, ok := errKindOf(err); ok {
		return k
	}
	return KindInvalidInput
}

// NewInvalidInputError wraps err as an InvalidInput failure for op, for
// use by transport bindings rejecting a malformed request body before
// it ever reaches the control surface.
func NewInvalidInputError(op string, err error) error {
	return newErr(KindInvalidInput, op, err)
}

var (
	ErrNoManager    = errors.New("application has no registry")
	ErrAlreadyAdded = errors.New("application already registered to a registry")
	ErrIsEnabled    = errors.New("application is enabled")
	ErrNotRunning   = errors.New("application is not running")
	ErrNotAttach    = errors.New("process not attachable")
	ErrShuttingDown = errors.New("scheduler is shutting down")
	ErrNotFound     = errors.New("application not found")
	ErrCloudApp     = errors.New("cannot overwrite a cloud-managed application")
	ErrConflictRun  = errors.New("cannot overwrite a running application without write permission")
)
