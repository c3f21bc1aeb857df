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

package rest

import "github.com/appmeshio/appmeshd"

const (
	mimeJson = "application/json; charset=UTF-8"

	// headerOutputPosition/headerExitCode carry the output endpoint's
	// cursor and (once known) exit code out of band from the body, so
	// the body itself stays a raw byte stream.
	headerOutputPosition = "output-position"
	headerExitCode       = "exit-code"
)

var ok struct{}

// Error is the JSON body written alongside a non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// RegisterRequest is POST /apps's body.
type RegisterRequest struct {
	Spec      appmesh.AppSpec `json:"spec"`
	SameGroup bool            `json:"same_group,omitempty"`
}

// RunAsyncRequest is POST /run-async's body. TimeoutSeconds and
// RetentionSeconds are 0 for "no forced kill" / "use the application's
// own retention".
type RunAsyncRequest struct {
	Spec             appmesh.AppSpec `json:"spec"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
	RetentionSeconds int             `json:"retention_seconds,omitempty"`
}

// RunAsyncResponse is POST /run-async's response body.
type RunAsyncResponse struct {
	Name        string `json:"name"`
	ProcessUUID string `json:"process_uuid"`
}

// RunSyncRequest is POST /run-sync's body.
type RunSyncRequest struct {
	Spec           appmesh.AppSpec `json:"spec"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}
