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
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuthGate is the pluggable authorization check behind owner-permission
// gating. Permit reports whether caller may perform a view (write=false)
// or mutating (write=true) operation against an application owned by
// owner, given the owner_permission levels that apply when caller is
// not owner, and whether caller shares owner's group. The real identity
// and group-membership system lives outside this package; Registry only
// consults the interface.
type AuthGate interface {
	Permit(caller, owner string, perm OwnerPermission, sameGroup bool, write bool) bool
}

// permissiveGate grants every operation. It is the default so the
// registry works standalone (tests, or a daemon run without an
// authorization backend wired in).
type permissiveGate struct{}

func (permissiveGate) Permit(string, string, OwnerPermission, bool, bool) bool { return true }

// FlushFunc is invoked asynchronously after any mutation to a
// non-ephemeral application, so the caller can persist the registry's
// current membership to the configuration file. It receives the
// mutated application's name; the caller typically responds by
// re-snapshotting the whole registry and rewriting the config file.
type FlushFunc func(name string)

// Registry is the thread-safe name -> *Application map (C7). A single
// mutex guards membership only: once a caller has a *Application
// pointer, all further state changes go through the application's own
// lock, never the registry's. This mirrors how the map is used here --
// copy out pointers while holding the registry lock, then call into
// each pointer's locked methods after releasing it -- and is the
// discipline that keeps the two locks from nesting in both orders.
type Registry struct {
	mx           sync.Mutex
	applications map[string]*Application
	name         string
	baseDir      string
	gate         AuthGate
	flush        FlushFunc
	logger       *log.Logger
	log          *Log
	mlog         *MultiLogger
	serial       int64
	listSerial   int64
	listStamp    time.Time
	createTime   time.Time
	updateTime   time.Time
	cvs          map[*sync.Cond]bool
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithAuthGate overrides the default permissive gate.
func WithAuthGate(g AuthGate) RegistryOption {
	return func(r *Registry) { r.gate = g }
}

// WithFlushFunc registers the callback invoked after a durable mutation.
func WithFlushFunc(f FlushFunc) RegistryOption {
	return func(r *Registry) { r.flush = f }
}

// WithRingBaseDir overrides the registry's base directory, whose "out"
// subdirectory roots the per-application output ring directories.
// Without it the base directory is $APPMESHDIR, else /var/lib/appmeshd
// when running as root, else $HOME/.appmeshd (or "." without $HOME).
func WithRingBaseDir(dir string) RegistryOption {
	return func(r *Registry) { r.baseDir = dir }
}

func (r *Registry) lock()   { r.mx.Lock() }
func (r *Registry) unlock() { r.mx.Unlock() }

func (r *Registry) wakeUp() {
	for cv := range r.cvs {
		cv.Broadcast()
	}
}

func (r *Registry) bumpSerial() int64 {
	r.updateTime = time.Now()
	r.serial++
	rv := r.serial
	r.wakeUp()
	return rv
}

func (r *Registry) logf(format string, v ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}

// Serial returns the registry-wide change counter, bumped on every
// add/remove/enable/disable, uninitialized swap and shutdown; an
// application's own scheduling transitions do not bump it.
func (r *Registry) Serial() int64 {
	r.lock()
	defer r.unlock()
	return r.serial
}

// WatchSerial blocks until the serial differs from old, or expire
// elapses (0 polls without blocking), returning the current value.
func (r *Registry) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&r.mx)
	var timer *time.Timer
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			r.lock()
			expired = true
			cv.Broadcast()
			r.unlock()
		})
	} else {
		expired = true
	}
	r.lock()
	r.cvs[cv] = true
	var rv int64
	for {
		rv = r.serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(r.cvs, cv)
	r.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// checkPermission is the owner-permission gate: the owner always
// passes; a non-owner is checked against the group/other field
// selected by sameGroup, and must meet at least read for a view or
// write for a mutation.
func (r *Registry) checkPermission(caller string, a *Application, sameGroup, write bool) bool {
	a.lock()
	owner := a.owner
	perm := a.ownerPerm
	a.unlock()
	if caller == owner || owner == "" {
		return true
	}
	return r.gate.Permit(caller, owner, perm, sameGroup, write)
}

// Add registers app under its name. It is an idempotent upsert: adding
// over an existing entry replaces it, unless the existing entry is a
// CloudApp (rejected outright) or currently running and the caller
// lacks write permission on it (rejected as a conflict). sameGroup
// tells the permission check whether caller shares the existing app's
// group, for the overwrite check only -- a fresh name never needs it.
func (r *Registry) Add(caller string, app *Application, sameGroup bool) error {
	r.lock()
	existing, ok := r.applications[app.Name()]
	r.unlock()

	if ok {
		existing.lock()
		cloudApp := existing.cloudApp
		running := existing.sub == subRunning
		existing.unlock()
		if cloudApp {
			return newErr(KindConflict, "register", ErrCloudApp)
		}
		if running && !r.checkPermission(caller, existing, sameGroup, true) {
			return newErr(KindConflict, "register", ErrConflictRun)
		}
	}

	app.lock()
	app.reg = r
	app.registrationTime = time.Now()
	app.unlock()

	r.lock()
	if ok {
		delete(r.applications, app.Name())
	}
	r.applications[app.Name()] = app
	r.listSerial = r.bumpSerial()
	r.listStamp = time.Now()
	r.unlock()

	if ok {
		existing.lock()
		if existing.sub == subRunning && existing.exec != nil {
			existing.exec.KillGroup(10 * time.Second)
		}
		existing.ring.Close()
		existing.unlock()
	}

	r.logf("registered %q", app.Name())
	r.maybeFlush(app)
	return nil
}

// removeLocked deletes name from the membership map. It is safe to
// call while the caller already holds that application's own lock
// (evaluate()'s cooldown branch does exactly this): it never acquires
// any application's lock itself, only the registry's.
func (r *Registry) removeLocked(name string) {
	r.lock()
	app, ok := r.applications[name]
	if ok {
		delete(r.applications, name)
		r.listSerial = r.bumpSerial()
		r.listStamp = time.Now()
	}
	r.unlock()
	if ok {
		r.logf("removed %q", name)
		// app.ephemeral is fixed at construction, so it is read here
		// without taking app's lock, which the caller may hold.
		if !app.ephemeral && r.flush != nil {
			go r.flush(name)
		}
	}
}

// Remove unregisters name outright. It fails with Conflict if the
// application is currently enabled: a caller must disable before
// removing.
func (r *Registry) Remove(caller, name string) error {
	r.lock()
	app, ok := r.applications[name]
	r.unlock()
	if !ok {
		return newErr(KindNotFound, "remove", ErrNotFound)
	}
	if !r.checkPermission(caller, app, false, true) {
		return newErr(KindUnauthorized, "remove", ErrConflictRun)
	}
	app.lock()
	enabled := app.status == StatusEnabled
	app.unlock()
	if enabled {
		return newErr(KindConflict, "remove", ErrIsEnabled)
	}
	r.removeLocked(name)
	return nil
}

// Get looks up an application by name without any permission check;
// callers that expose this to untrusted callers must check permission
// themselves (the control surface does, per operation).
func (r *Registry) Get(name string) (*Application, bool) {
	r.lock()
	defer r.unlock()
	app, ok := r.applications[name]
	return app, ok
}

// List returns every registered application. The registry lock is
// released before the slice is returned; the pointers themselves are
// stable for the lifetime of the application.
func (r *Registry) List() []*Application {
	r.lock()
	defer r.unlock()
	rv := make([]*Application, 0, len(r.applications))
	for _, app := range r.applications {
		rv = append(rv, app)
	}
	return rv
}

// Snapshot returns a Snapshot for every registered application, the
// shape C9's periodic persistence and C10's list() operation both need.
func (r *Registry) Snapshot() []Snapshot {
	apps := r.List()
	out := make([]Snapshot, 0, len(apps))
	for _, app := range apps {
		out = append(out, app.Snapshot())
	}
	return out
}

// Enable transitions name to Enabled, after a write-permission check.
func (r *Registry) Enable(caller, name string, sameGroup bool) error {
	app, ok := r.Get(name)
	if !ok {
		return newErr(KindNotFound, "enable", ErrNotFound)
	}
	if !r.checkPermission(caller, app, sameGroup, true) {
		return newErr(KindUnauthorized, "enable", ErrConflictRun)
	}
	if err := app.Enable(); err != nil {
		return err
	}
	r.bumpAppSerial(app)
	r.maybeFlush(app)
	return nil
}

// Disable transitions name to Disabled, after a write-permission check.
func (r *Registry) Disable(caller, name string, sameGroup bool) error {
	app, ok := r.Get(name)
	if !ok {
		return newErr(KindNotFound, "disable", ErrNotFound)
	}
	if !r.checkPermission(caller, app, sameGroup, true) {
		return newErr(KindUnauthorized, "disable", ErrConflictRun)
	}
	if err := app.Disable(); err != nil {
		return err
	}
	r.bumpAppSerial(app)
	r.maybeFlush(app)
	return nil
}

func (r *Registry) bumpAppSerial(app *Application) {
	r.lock()
	r.serial++
	r.wakeUp()
	r.unlock()
}

// maybeFlush invokes the flush hook unless app is ephemeral (a
// run_async/run_sync application has nothing to persist to config).
func (r *Registry) maybeFlush(app *Application) {
	app.lock()
	ephemeral := app.ephemeral
	name := app.name
	app.unlock()
	if ephemeral || r.flush == nil {
		return
	}
	go r.flush(name)
}

// replaceUninitialized builds the "real" application described by spec
// and swaps it in for the UnInitialized placeholder previously
// registered under name, once that placeholder's bootstrap command has
// exited successfully. Invoked asynchronously from
// Application.applyUninitializedSwapLocked, so it never runs with any
// application's lock held.
func (r *Registry) replaceUninitialized(name string, spec AppSpec, newExec ExecutorFactory) {
	app, err := NewApplication(spec, newExec)
	if err != nil {
		r.logf("uninitialized swap for %q failed: %v", name, err)
		return
	}
	app.reg = r
	app.registrationTime = time.Now()

	r.lock()
	old, existed := r.applications[name]
	r.applications[name] = app
	r.listSerial = r.bumpSerial()
	r.listStamp = time.Now()
	r.unlock()

	if existed {
		old.lock()
		wasEnabled := old.desiredEnabled
		old.unlock()
		if wasEnabled {
			app.lock()
			app.desiredEnabled = true
			app.unlock()
		}
	}
	r.logf("uninitialized app %q replaced with %q", name, app.name)
	if app.desiredEnabled {
		app.Enable()
	}
	r.maybeFlush(app)
}

// GetLog returns the registry-wide event log since lastid, suitable
// for ETag-style polling.
func (r *Registry) GetLog(lastid int64) ([]LogRecord, int64) {
	return r.log.GetRecords(lastid)
}

// WatchLog blocks until the event log changes or expire elapses.
func (r *Registry) WatchLog(old int64, expire time.Duration) int64 {
	return r.log.Watch(old, expire)
}

// Shutdown disables every application (killing any running process)
// and clears the membership map. Intended for daemon teardown only.
func (r *Registry) Shutdown() {
	apps := r.List()
	for _, app := range apps {
		app.Disable()
	}
	r.lock()
	r.applications = make(map[string]*Application)
	r.listSerial = r.bumpSerial()
	r.unlock()
	r.logf("*** registry %q shut down ***", r.name)
}

func (r *Registry) setBaseDir() {
	if r.baseDir != "" {
		return
	}
	r.baseDir = os.Getenv("APPMESHDIR")
	if r.baseDir == "" {
		if os.Geteuid() == 0 {
			r.baseDir = "/var/lib/appmeshd"
		} else if home := os.Getenv("HOME"); home != "" {
			r.baseDir = filepath.Join(home, ".appmeshd")
		} else {
			r.baseDir = "."
		}
	}
}

// NewRegistry builds an empty Registry. name identifies the instance in
// logs and in persisted snapshots; opts may install an AuthGate, a
// FlushFunc, and/or a ring base directory.
func NewRegistry(name string, opts ...RegistryOption) *Registry {
	if name == "" {
		name = "appmeshd"
	}
	r := &Registry{
		name:         name,
		applications: make(map[string]*Application),
		gate:         permissiveGate{},
		cvs:          make(map[*sync.Cond]bool),
		serial:       time.Now().UnixNano(),
	}
	r.createTime = time.Now()
	r.updateTime = r.createTime
	r.mlog = NewMultiLogger()
	r.log = NewLog()
	r.mlog.AddLogger(log.New(r.log, "", 0))
	r.logger = log.New(os.Stderr, "", 0)
	for _, opt := range opts {
		opt(r)
	}
	r.setBaseDir()
	if r.baseDir != "" {
		ringBaseDir = filepath.Join(r.baseDir, "out")
	}
	return r
}
