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
	"strconv"
	"time"

	"github.com/google/uuid"
)

// runSyncPollInterval is how often RunSync re-checks whether its
// ephemeral application has finished, in the absence of any
// registry-wide change notification cheaper than a short poll.
const runSyncPollInterval = 200 * time.Millisecond

// OpGate authorizes an operation by name (the "APP_REG"/"APP_DELETE"/
// "APP_CONTROL"/"APP_VIEW" tags from the control surface's operation
// list), independent of the per-application owner-permission gate a
// Registry already enforces. The real access-control system lives
// outside this package; a permissive default lets the surface run
// standalone.
type OpGate interface {
	PermitOp(caller, op string) bool
}

type permissiveOpGate struct{}

func (permissiveOpGate) PermitOp(string, string) bool { return true }

// ControlSurface is C10: every operation a transport binding (rest/)
// exposes, transport-agnostic. It is a thin dispatcher over a
// Registry plus the bookkeeping run_async/run_sync need to mark their
// applications ephemeral and tear them down.
type ControlSurface struct {
	reg     *Registry
	newExec ExecutorFactory
	opGate  OpGate
}

// ControlOption configures a ControlSurface at construction time.
type ControlOption func(*ControlSurface)

// WithOpGate overrides the default permissive operation-level gate.
func WithOpGate(g OpGate) ControlOption {
	return func(cs *ControlSurface) { cs.opGate = g }
}

// NewControlSurface builds a ControlSurface over reg, using newExec to
// build the Executor for every application it registers (including
// run_async/run_sync's ephemeral ones).
func NewControlSurface(reg *Registry, newExec ExecutorFactory, opts ...ControlOption) *ControlSurface {
	cs := &ControlSurface{reg: reg, newExec: newExec, opGate: permissiveOpGate{}}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

func (cs *ControlSurface) permitOp(caller, op string) error {
	if !cs.opGate.PermitOp(caller, op) {
		return newErr(KindUnauthorized, op, ErrConflictRun)
	}
	return nil
}

// Register upserts spec via the registry (APP_REG). sameGroup is
// forwarded to the owner-permission check for the overwrite case only.
func (cs *ControlSurface) Register(caller string, spec AppSpec, sameGroup bool) (Snapshot, error) {
	if err := cs.permitOp(caller, "APP_REG"); err != nil {
		return Snapshot{}, err
	}
	app, err := NewApplication(spec, cs.newExec)
	if err != nil {
		return Snapshot{}, err
	}
	if err := cs.reg.Add(caller, app, sameGroup); err != nil {
		return Snapshot{}, err
	}
	if app.desiredEnabled {
		if err := app.Enable(); err != nil {
			return Snapshot{}, err
		}
	}
	return app.Snapshot(), nil
}

// Unregister removes name (APP_DELETE).
func (cs *ControlSurface) Unregister(caller, name string) error {
	if err := cs.permitOp(caller, "APP_DELETE"); err != nil {
		return err
	}
	return cs.reg.Remove(caller, name)
}

// Enable transitions name to Enabled (APP_CONTROL).
func (cs *ControlSurface) Enable(caller, name string, sameGroup bool) error {
	if err := cs.permitOp(caller, "APP_CONTROL"); err != nil {
		return err
	}
	return cs.reg.Enable(caller, name, sameGroup)
}

// Disable transitions name to Disabled (APP_CONTROL).
func (cs *ControlSurface) Disable(caller, name string, sameGroup bool) error {
	if err := cs.permitOp(caller, "APP_CONTROL"); err != nil {
		return err
	}
	return cs.reg.Disable(caller, name, sameGroup)
}

// View returns name's current snapshot (APP_VIEW).
func (cs *ControlSurface) View(caller, name string, sameGroup bool) (Snapshot, error) {
	if err := cs.permitOp(caller, "APP_VIEW"); err != nil {
		return Snapshot{}, err
	}
	app, ok := cs.reg.Get(name)
	if !ok {
		return Snapshot{}, newErr(KindNotFound, "view", ErrNotFound)
	}
	if !cs.reg.checkPermission(caller, app, sameGroup, false) {
		return Snapshot{}, newErr(KindUnauthorized, "view", ErrConflictRun)
	}
	return app.Snapshot(), nil
}

// List returns a snapshot for every application caller may view
// (APP_VIEW), silently omitting ones the caller may not.
func (cs *ControlSurface) List(caller string, sameGroup bool) ([]Snapshot, error) {
	if err := cs.permitOp(caller, "APP_VIEW"); err != nil {
		return nil, err
	}
	apps := cs.reg.List()
	out := make([]Snapshot, 0, len(apps))
	for _, app := range apps {
		if cs.reg.checkPermission(caller, app, sameGroup, false) {
			out = append(out, app.Snapshot())
		}
	}
	return out, nil
}

// Output fetches the next chunk of name's captured stdout/stderr
// starting at pos within ring file index (APP_VIEW).
func (cs *ControlSurface) Output(caller, name string, index int, pos Position, sameGroup bool) ([]byte, Position, *int, error) {
	if err := cs.permitOp(caller, "APP_VIEW"); err != nil {
		return nil, pos, nil, err
	}
	app, ok := cs.reg.Get(name)
	if !ok {
		return nil, pos, nil, newErr(KindNotFound, "output", ErrNotFound)
	}
	if !cs.reg.checkPermission(caller, app, sameGroup, false) {
		return nil, pos, nil, newErr(KindUnauthorized, "output", ErrConflictRun)
	}
	app.lock()
	ring := app.ring
	app.unlock()
	if ring == nil {
		return nil, pos, nil, newErr(KindNotFound, "output", ErrNotFound)
	}
	data, newPos, exitCode, err := ring.Fetch(index, pos)
	if err != nil {
		return nil, pos, nil, newErr(KindInvalidInput, "output", err)
	}
	return data, newPos, exitCode, nil
}

// registerEphemeral builds and registers a OneShot application from
// spec, forcing the fields run_async/run_sync control regardless of
// what the caller supplied: a generated name if absent, OneShot set,
// and a fresh process_uuid.
func (cs *ControlSurface) registerEphemeral(caller string, spec AppSpec) (*Application, string, error) {
	spec.OneShot = true
	spec.Uninitialized = false
	if spec.Name == "" {
		spec.Name = "run-" + uuid.NewString()
	}
	app, err := NewApplication(spec, cs.newExec)
	if err != nil {
		return nil, "", err
	}
	processUUID := uuid.NewString()
	app.lock()
	app.processUUID = processUUID
	app.unlock()
	if err := cs.reg.Add(caller, app, false); err != nil {
		return nil, "", err
	}
	return app, processUUID, nil
}

// scheduleForceKill kills name's process group after timeout if it is
// still running, letting the normal OneShot reap -> cooldown ->
// removal path (kind.go's afterReap table) reclaim the entry once
// retention elapses. A zero timeout means "no forced kill": the
// process runs to completion on its own.
func (cs *ControlSurface) scheduleForceKill(name string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() {
		app, ok := cs.reg.Get(name)
		if !ok {
			return
		}
		app.lock()
		if app.sub == subRunning && app.exec != nil {
			app.exec.KillGroup(10 * time.Second)
		}
		app.unlock()
	})
}

// RunAsync registers spec as an ephemeral (OneShot) application,
// enables it immediately, and returns its generated name and
// process_uuid. The caller polls Output with the returned name to
// stream results; the application force-kills itself after timeout if
// still running, and is reclaimed from the registry retention after
// termination.
func (cs *ControlSurface) RunAsync(caller string, spec AppSpec, timeout, retention time.Duration) (name, processUUID string, err error) {
	if err := cs.permitOp(caller, "APP_REG"); err != nil {
		return "", "", err
	}
	if retention > 0 {
		spec.Retention = rawDuration(retention)
	}
	app, processUUID, err := cs.registerEphemeral(caller, spec)
	if err != nil {
		return "", "", err
	}
	if err := app.Enable(); err != nil {
		return "", "", err
	}
	cs.scheduleForceKill(app.Name(), timeout)
	return app.Name(), processUUID, nil
}

// RunSync registers spec as an ephemeral application, enables it, and
// blocks until the process exits or timeout fires (force-killing it in
// the latter case), then removes the application and returns its final
// snapshot. A zero timeout waits indefinitely.
func (cs *ControlSurface) RunSync(caller string, spec AppSpec, timeout time.Duration) (Snapshot, error) {
	if err := cs.permitOp(caller, "APP_REG"); err != nil {
		return Snapshot{}, err
	}
	app, _, err := cs.registerEphemeral(caller, spec)
	if err != nil {
		return Snapshot{}, err
	}
	if err := app.Enable(); err != nil {
		return Snapshot{}, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		app.lock()
		running := app.sub == subRunning || app.sub == subWaiting
		app.unlock()
		if !running {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			app.lock()
			if app.exec != nil {
				app.exec.KillGroup(10 * time.Second)
			}
			app.unlock()
			break
		}
		time.Sleep(runSyncPollInterval)
	}
	// Give the next supervisor tick a chance to reap and transition to
	// cooldown before reading the final snapshot.
	time.Sleep(runSyncPollInterval)
	snap := app.Snapshot()
	app.Disable()
	cs.reg.removeLocked(app.Name())
	return snap, nil
}

// rawDuration encodes d the way durationx.ParseDuration expects to
// read it back: a bare JSON integer count of seconds.
func rawDuration(d time.Duration) []byte {
	return []byte(strconv.FormatInt(int64(d/time.Second), 10))
}
