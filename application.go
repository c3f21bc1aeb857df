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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appmeshio/appmeshd/cronspec"
	"github.com/appmeshio/appmeshd/durationx"
)

// ringBaseDir is where per-application output ring directories are
// rooted. NewRegistry resets it to the "out" subdirectory of the
// registry's base directory (see WithRingBaseDir); this temp-directory
// value applies only before any registry has been constructed.
var ringBaseDir = filepath.Join(os.TempDir(), "appmeshd", "out")

// PermLevel is one of the two-bit owner_permission fields.
type PermLevel int

const (
	PermDeny PermLevel = iota
	PermRead
	PermWrite
)

func (p PermLevel) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	default:
		return "deny"
	}
}

func parsePermLevel(s string) (PermLevel, error) {
	switch s {
	case "", "deny":
		return PermDeny, nil
	case "read":
		return PermRead, nil
	case "write":
		return PermWrite, nil
	default:
		return 0, fmt.Errorf("application: unknown owner_permission level %q", s)
	}
}

// OwnerPermission is the pair of group/other permission levels that
// gate non-owner access to an application.
type OwnerPermission struct {
	Group PermLevel
	Other PermLevel
}

// ExitBehavior governs what happens after an application's process is
// reaped.
type ExitBehavior int

const (
	ExitStandby ExitBehavior = iota
	ExitRestart
	ExitKeepalive
	ExitRemove
)

func (e ExitBehavior) String() string {
	switch e {
	case ExitRestart:
		return "restart"
	case ExitKeepalive:
		return "keepalive"
	case ExitRemove:
		return "remove"
	default:
		return "standby"
	}
}

func parseExitBehavior(s string) (ExitBehavior, error) {
	switch s {
	case "", "standby":
		return ExitStandby, nil
	case "restart":
		return ExitRestart, nil
	case "keepalive":
		return ExitKeepalive, nil
	case "remove":
		return ExitRemove, nil
	default:
		return 0, newErr(KindInvalidInput, "exit_behavior", fmt.Errorf("unknown exit_behavior %q", s))
	}
}

// Status is the application's coarse lifecycle state.
type Status int

const (
	StatusNotAvailable Status = iota
	StatusEnabled
	StatusDisabled
	StatusInitializing
)

func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "Enabled"
	case StatusDisabled:
		return "Disabled"
	case StatusInitializing:
		return "Initializing"
	default:
		return "NotAvailable"
	}
}

// Health mirrors the application's last health check result (or
// running() when no health_check_command is configured).
type Health int

const (
	HealthHealthy   Health = 0
	HealthUnhealthy Health = 1
)

// subState is the Enabled sub-state machine: Idle, Waiting, Running,
// Cooldown.
type subState int

const (
	subIdle subState = iota
	subWaiting
	subRunning
	subCooldown
)

// ExecutorFactory builds the Executor backend appropriate for an
// application (native if DockerImage is empty, container otherwise).
// Supplied by the registry/supervisor at construction time so
// application.go stays free of direct cgroup/docker wiring decisions.
type ExecutorFactory func(app *Application) Executor

// Application is the central entity: identity, execution parameters,
// scheduling rules, control knobs, and derived runtime state, guarded
// by its own mutex rather than a registry-wide lock, since each
// application's operations are already serialized independently
// (per-application ordering, not global).
type Application struct {
	mu sync.Mutex

	reg *Registry

	// Identity
	name      string
	owner     string
	ownerPerm OwnerPermission

	// Execution
	command           string
	shellMode         bool
	workingDir        string
	environment       []EnvVar
	secureEnvironment []EnvVar
	executionUser     string
	dockerImage       string
	limits            ResourceLimits
	healthCheckCmd    string

	// Scheduling
	startTime     time.Time
	endTime       time.Time
	daily         DailyWindow
	posixTimezone string
	loc           *time.Location
	interval      time.Duration
	cronFlag      bool
	cronExpr      string
	cron          *cronspec.Schedule
	retention     time.Duration

	// Control
	desiredEnabled bool
	exitBehavior   ExitBehavior
	metadata       json.RawMessage

	// Runtime (derived; not part of the persisted config stanza)
	kind             Kind
	currentPid       int
	processStartTime time.Time
	lastReturnCode   int
	startsCount      int
	health           Health
	status           Status
	registrationTime time.Time
	lastStartTime    time.Time
	ringIndices      []int

	// Internal scheduling state backing the Enabled sub-states.
	sub           subState
	nextAt        time.Time
	hasNext       bool
	cooldownUntil time.Time
	startErr      error

	cloudApp    bool   // Registry.Add rejects any overwrite of this entry
	ephemeral   bool   // run_async/run_sync applications: no config flush
	processUUID string // set for ephemeral run_async/run_sync applications

	uninitPayload json.RawMessage // metadata carried by an UnInitialized app, swapped in on success

	exec       Executor
	newExec    ExecutorFactory
	decryptor  SecureDecryptor
	ring       *OutputRing
	mlog       *MultiLogger
	logger     *log.Logger
}

// AppSpec is the wire shape of a register() request / config stanza,
// field names exactly as listed in the data model, in lower_snake.
// Durations and instants accept the encodings durationx understands.
type AppSpec struct {
	Name             string          `json:"name"`
	Owner            string          `json:"owner,omitempty"`
	OwnerPermission  OwnerPermJSON   `json:"owner_permission,omitempty"`
	Command          string          `json:"command"`
	ShellMode        bool            `json:"shell_mode,omitempty"`
	WorkingDir       string          `json:"working_dir,omitempty"`
	Environment      []EnvVar        `json:"environment,omitempty"`
	SecureEnv        []EnvVar        `json:"secure_environment,omitempty"`
	ExecutionUser    string          `json:"execution_user,omitempty"`
	DockerImage      string          `json:"docker_image,omitempty"`
	ResourceLimits   ResourceLimits  `json:"resource_limits,omitempty"`
	HealthCheckCmd   string          `json:"health_check_command,omitempty"`
	StartTime        string          `json:"start_time,omitempty"`
	EndTime          string          `json:"end_time,omitempty"`
	DailyWindow      *DailyWindowRaw `json:"daily_window,omitempty"`
	PosixTimezone    string          `json:"posix_timezone,omitempty"`
	Interval         json.RawMessage `json:"interval,omitempty"`
	CronFlag         bool            `json:"cron_flag,omitempty"`
	Retention        json.RawMessage `json:"retention,omitempty"`
	DesiredState     string          `json:"desired_state,omitempty"`
	ExitBehaviorStr  string          `json:"exit_behavior,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CloudApp         bool            `json:"cloud_app,omitempty"`
	Uninitialized    bool            `json:"uninitialized,omitempty"`
	OneShot          bool            `json:"-"` // set internally by run_async/run_sync, never by register()
}

// OwnerPermJSON is the wire encoding of OwnerPermission: two lower-case
// level names.
type OwnerPermJSON struct {
	Group string `json:"group,omitempty"`
	Other string `json:"other,omitempty"`
}

// DailyWindowRaw is the wire encoding of DailyWindow: clock-time
// strings ("HH:MM:SS") rather than raw durations, using
// start_time_of_day / end_time_of_day field names.
type DailyWindowRaw struct {
	StartTimeOfDay string `json:"start_time_of_day"`
	EndTimeOfDay   string `json:"end_time_of_day"`
}

func parseTimeOfDay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, fmt.Errorf("application: bad time_of_day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

func formatTimeOfDay(d time.Duration) string {
	d = d % (24 * time.Hour)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// NewApplication validates spec's scheduling fields for internal
// consistency, classifies its Kind, and returns a detached Application
// (not yet owned by a Registry).
func NewApplication(spec AppSpec, newExec ExecutorFactory) (*Application, error) {
	if spec.Name == "" {
		return nil, newErr(KindInvalidInput, "register", fmt.Errorf("name is required"))
	}
	if spec.Command == "" {
		return nil, newErr(KindInvalidInput, "register", fmt.Errorf("command is required"))
	}

	a := &Application{
		name:              spec.Name,
		owner:             spec.Owner,
		command:           spec.Command,
		shellMode:         spec.ShellMode,
		workingDir:        spec.WorkingDir,
		environment:       append([]EnvVar{}, spec.Environment...),
		secureEnvironment: append([]EnvVar{}, spec.SecureEnv...),
		executionUser:     spec.ExecutionUser,
		dockerImage:       spec.DockerImage,
		limits:            spec.ResourceLimits,
		healthCheckCmd:    spec.HealthCheckCmd,
		posixTimezone:     spec.PosixTimezone,
		cronFlag:          spec.CronFlag,
		metadata:          spec.Metadata,
		cloudApp:          spec.CloudApp,
		registrationTime:  time.Now(),
		status:            StatusInitializing,
		newExec:           newExec,
		mlog:              NewMultiLogger(),
	}
	a.logger = log.New(a.mlog, "["+a.name+"] ", log.LstdFlags)

	gp, err := parsePermLevel(spec.OwnerPermission.Group)
	if err != nil {
		return nil, newErr(KindInvalidInput, "register", err)
	}
	op, err := parsePermLevel(spec.OwnerPermission.Other)
	if err != nil {
		return nil, newErr(KindInvalidInput, "register", err)
	}
	a.ownerPerm = OwnerPermission{Group: gp, Other: op}

	loc, err := durationx.ResolveLocation(spec.PosixTimezone)
	if err != nil {
		return nil, newErr(KindInvalidInput, "register", err)
	}
	a.loc = loc

	if spec.StartTime != "" {
		a.startTime, err = durationx.ParseInstant(spec.StartTime, loc)
		if err != nil {
			return nil, newErr(KindInvalidInput, "register", err)
		}
	}
	if spec.EndTime != "" {
		a.endTime, err = durationx.ParseInstant(spec.EndTime, loc)
		if err != nil {
			return nil, newErr(KindInvalidInput, "register", err)
		}
	}

	if spec.DailyWindow != nil {
		start, err := parseTimeOfDay(spec.DailyWindow.StartTimeOfDay)
		if err != nil {
			return nil, newErr(KindInvalidInput, "register", err)
		}
		end, err := parseTimeOfDay(spec.DailyWindow.EndTimeOfDay)
		if err != nil {
			return nil, newErr(KindInvalidInput, "register", err)
		}
		if start == end {
			return nil, newErr(KindInvalidInput, "register",
				fmt.Errorf("daily_window start and end must differ"))
		}
		a.daily = DailyWindow{Start: start, End: end}
	}

	if len(spec.Interval) > 0 {
		if a.cronFlag {
			var expr string
			if err := json.Unmarshal(spec.Interval, &expr); err != nil {
				return nil, newErr(KindInvalidInput, "register", fmt.Errorf("interval must be a cron string when cron_flag is set: %w", err))
			}
			cs, err := cronspec.Parse(expr)
			if err != nil {
				return nil, newErr(KindInvalidInput, "register", fmt.Errorf("invalid cron expression: %w", err))
			}
			a.cronExpr = expr
			a.cron = cs
		} else {
			a.interval, err = durationx.ParseDuration(spec.Interval)
			if err != nil {
				return nil, newErr(KindInvalidInput, "register", err)
			}
		}
	} else if a.cronFlag {
		return nil, newErr(KindInvalidInput, "register", fmt.Errorf("cron_flag set without interval"))
	}

	if len(spec.Retention) > 0 {
		a.retention, err = durationx.ParseDuration(spec.Retention)
		if err != nil {
			return nil, newErr(KindInvalidInput, "register", err)
		}
	}

	a.exitBehavior, err = parseExitBehavior(spec.ExitBehaviorStr)
	if err != nil {
		return nil, err
	}
	a.desiredEnabled = spec.DesiredState == "enabled"

	a.kind = classifyKind(spec.Uninitialized, spec.OneShot, a.cronFlag, a.interval, a.exitBehavior)
	a.ephemeral = spec.OneShot
	if spec.Uninitialized {
		a.uninitPayload = spec.Metadata
	}
	a.status = StatusDisabled
	ring, err := NewOutputRing(filepath.Join(ringBaseDir, a.name), DefaultRingFiles, DefaultRingFileCap)
	if err != nil {
		return nil, newErr(KindTransient, "register", err)
	}
	a.ring = ring
	return a, nil
}

// Name returns the application's registered name.
func (a *Application) Name() string {
	return a.name
}

// DockerImage returns the application's configured container image, or
// "" for a native-process application. Used by an ExecutorFactory to
// pick the native or container backend.
func (a *Application) DockerImage() string {
	a.lock()
	defer a.unlock()
	return a.dockerImage
}

// SetDecryptor installs the secure_environment decryptor used at
// launch. An ExecutorFactory calls this on the application it is
// handed before returning the Executor, so every subsequent spawn (and
// health check) can decrypt secure_environment values without this
// package depending on secretenv directly.
func (a *Application) SetDecryptor(d SecureDecryptor) {
	a.lock()
	defer a.unlock()
	a.decryptor = d
}

func (a *Application) lock()   { a.mu.Lock() }
func (a *Application) unlock() { a.mu.Unlock() }

func (a *Application) logf(format string, v ...interface{}) {
	a.logger.Printf(format, v...)
}

// schedule assembles the Schedule view NextInstant / kindStrategies
// need from the application's scheduling fields.
func (a *Application) schedule() Schedule {
	start := a.startTime
	if start.IsZero() && a.kind == KindPeriodic {
		// With no start_time the interval grid is anchored at the most
		// recent launch, so consecutive starts stay one interval apart.
		start = a.lastStartTime
	}
	return Schedule{
		StartTime: start,
		EndTime:   a.endTime,
		Daily:     a.daily,
		Location:  a.loc,
		Interval:  a.interval,
		CronFlag:  a.cronFlag,
		Cron:      a.cron,
	}
}

// Enable transitions the application into the Enabled state, computing
// its next instant. Calling it twice in a row is a no-op.
func (a *Application) Enable() error {
	a.lock()
	defer a.unlock()
	if a.status == StatusEnabled {
		return nil
	}
	a.status = StatusEnabled
	a.startsCount = 0
	a.startErr = nil
	a.computeNextLocked(time.Now())
	a.logf("enabled")
	return nil
}

// Disable kills any running process and transitions to Disabled.
// Calling it twice in a row is a no-op.
func (a *Application) Disable() error {
	a.lock()
	defer a.unlock()
	if a.status != StatusEnabled {
		return nil
	}
	a.status = StatusDisabled
	if a.sub == subRunning && a.exec != nil {
		a.exec.KillGroup(10 * time.Second)
	}
	a.sub = subIdle
	a.hasNext = false
	a.logf("disabled")
	return nil
}

func (a *Application) computeNextLocked(now time.Time) {
	strategy := kindStrategies[a.kind]
	next, ok := strategy.nextInstant(now, a.schedule())
	a.hasNext = ok
	if ok {
		a.nextAt = next
		a.sub = subWaiting
	} else {
		a.sub = subIdle
	}
}

// evaluate is C8's per-tick callback. It never blocks: launching is the
// only state-changing action and that is performed synchronously here
// only in the sense of starting the child (spawn itself returns as
// soon as fork/exec completes or the container run command returns;
// slow work -- image pulls -- already runs on their own goroutine
// inside the executor).
func (a *Application) evaluate(now time.Time) {
	a.lock()
	defer a.unlock()

	if a.status != StatusEnabled {
		return
	}

	if a.sub == subRunning {
		if (a.kind == KindPeriodic || a.kind == KindCron) && a.hasNext && !now.Before(a.nextAt) {
			a.killAndRelaunchLocked(now)
			return
		}
		if a.exec != nil && !a.exec.Running() {
			a.handleReapLocked()
		}
		return
	}

	if a.sub == subCooldown {
		if now.After(a.cooldownUntil) {
			removable := a.kind == KindOneShot ||
				(a.exitBehavior == ExitRemove && a.kind != KindUninitialized)
			if removable && a.reg != nil {
				a.reg.removeLocked(a.name)
			}
		}
		return
	}

	if a.sub != subWaiting || !a.hasNext {
		return
	}
	if now.Before(a.nextAt) {
		return
	}
	loc := a.loc
	if loc == nil {
		loc = time.UTC
	}
	if !a.daily.isZero() {
		withinWindow := applyDailyWindow(now, a.daily, loc).Equal(now)
		if !withinWindow {
			a.computeNextLocked(now)
			return
		}
	}
	a.launchLocked(now)
}

// killAndRelaunchLocked implements Periodic/Cron's override of the
// standby step: the previous instant's process is still running when
// the next scheduled instant arrives, so it is killed outright and a
// fresh one launched in its place, rather than left to finish on its
// own schedule.
func (a *Application) killAndRelaunchLocked(now time.Time) {
	if a.exec != nil {
		a.exec.KillGroup(10 * time.Second)
		a.lastReturnCode, _ = a.exec.Wait(0)
	}
	a.currentPid = 0
	a.launchLocked(now)
}

func (a *Application) launchLocked(now time.Time) {
	if a.newExec == nil {
		a.startErr = newErr(KindSpawnFailed, "launch", fmt.Errorf("no executor factory configured"))
		return
	}
	a.exec = a.newExec(a)
	pid, err := a.exec.Spawn(ExecRequest{
		Name:              a.name,
		Command:           a.command,
		ShellMode:         a.shellMode,
		WorkingDir:        a.workingDir,
		Environment:       a.environment,
		SecureEnvironment: a.secureEnvironment,
		Decryptor:         a.decryptor,
		ExecutionUser:     a.executionUser,
		DockerImage:       a.dockerImage,
		Limits:            a.limits,
		HealthCheckCmd:    a.healthCheckCmd,
		StdinBlob:         a.metadata,
		Ring:              a.ring,
	})
	if err != nil {
		a.startErr = err
		a.logf("spawn failed: %v", err)
		a.computeNextLocked(now.Add(time.Second))
		return
	}
	a.currentPid = pid
	a.processStartTime = now
	a.lastStartTime = now
	a.startsCount++
	a.sub = subRunning
	a.startErr = nil
	a.logf("started pid %d", pid)

	if a.kind == KindPeriodic || a.kind == KindCron {
		a.advanceNextLocked(now)
	}
}

// advanceNextLocked recomputes the next scheduled instant strictly
// after now without touching sub. Periodic/Cron kinds need this right
// after launching so evaluate() knows when the process it just started
// is due to be killed and replaced, independent of sub's own
// waiting/running transitions.
func (a *Application) advanceNextLocked(now time.Time) {
	strategy := kindStrategies[a.kind]
	next, ok := strategy.nextInstant(now.Add(time.Nanosecond), a.schedule())
	a.hasNext = ok
	if ok {
		a.nextAt = next
	}
}

// handleReapLocked implements state machine step 3: capture return
// code, bump starts_count, and dispatch to the kind-specific
// afterReap strategy (which may override the generic exit_behavior
// table, as Periodic/Cron kinds do).
func (a *Application) handleReapLocked() {
	rc, _ := a.exec.Wait(0)
	a.lastReturnCode = rc
	a.currentPid = 0

	if a.kind == KindUninitialized {
		a.applyUninitializedSwapLocked()
		return
	}

	strategy := kindStrategies[a.kind]
	switch strategy.afterReap(a.exitBehavior, rc) {
	case reapRelaunch:
		a.launchLocked(time.Now())
	case reapCooldown:
		a.sub = subCooldown
		a.cooldownUntil = time.Now().Add(a.retention)
	default: // reapWaiting
		a.computeNextLocked(time.Now())
	}
}

// applyUninitializedSwapLocked replaces this application's definition
// in its registry with the "real" application carried in metadata,
// once the bootstrap command has exited successfully.
func (a *Application) applyUninitializedSwapLocked() {
	if a.lastReturnCode != 0 || len(a.uninitPayload) == 0 || a.reg == nil {
		a.sub = subCooldown
		a.cooldownUntil = time.Now()
		return
	}
	var spec AppSpec
	if err := json.Unmarshal(a.uninitPayload, &spec); err != nil {
		a.logf("uninitialized swap: bad payload: %v", err)
		a.sub = subCooldown
		a.cooldownUntil = time.Now()
		return
	}
	spec.Name = a.name
	reg, newExec := a.reg, a.newExec
	a.sub = subCooldown
	a.cooldownUntil = time.Now()
	go reg.replaceUninitialized(a.name, spec, newExec)
}

// runHealthCheck is invoked by the supervisor's health timer. It
// inherits the application's environment and secure_environment,
// mirroring how the application's own process is launched.
func (a *Application) runHealthCheck(newExec ExecutorFactory) {
	a.lock()
	cmd := a.healthCheckCmd
	if cmd == "" {
		healthy := a.exec != nil && a.exec.Running()
		if healthy {
			a.health = HealthHealthy
		} else {
			a.health = HealthUnhealthy
		}
		a.unlock()
		return
	}
	env := append([]EnvVar{}, a.environment...)
	secureEnv := append([]EnvVar{}, a.secureEnvironment...)
	workingDir := a.workingDir
	execUser := a.executionUser
	decryptor := a.decryptor
	a.unlock()

	healthRing, ringErr := NewOutputRing(filepath.Join(ringBaseDir, a.name+"-health"), 1, 64*1024)
	if ringErr != nil {
		a.lock()
		a.health = HealthUnhealthy
		a.unlock()
		return
	}

	exec := newExec(a)
	_, err := exec.Spawn(ExecRequest{
		Name:              a.name + "-health",
		Command:           cmd,
		ShellMode:         true,
		WorkingDir:        workingDir,
		Environment:       env,
		SecureEnvironment: secureEnv,
		Decryptor:         decryptor,
		ExecutionUser:     execUser,
		Ring:              healthRing,
	})
	healthy := false
	if err == nil {
		code, ok := exec.Wait(10 * time.Second)
		healthy = ok && code == 0
	}
	exec.KillGroup(time.Second)

	a.lock()
	if healthy {
		a.health = HealthHealthy
	} else {
		a.health = HealthUnhealthy
	}
	a.unlock()
}

// Snapshot is the read-only view returned by view()/list() and fed
// into the persisted config stanza.
type Snapshot struct {
	Spec              AppSpec
	Kind              string
	CurrentPid        int
	ProcessStartTime  time.Time
	LastReturnCode    int
	StartsCount       int
	Health            Health
	Status            string
	RegistrationTime  time.Time
	LastStartTime     time.Time
	OutputRingIndices []int
	Ephemeral         bool
}

// Snapshot returns the current view of the application for C10's
// view()/list() operations.
func (a *Application) Snapshot() Snapshot {
	a.lock()
	defer a.unlock()
	return Snapshot{
		Spec:              a.toSpecLocked(),
		Kind:              a.kind.String(),
		CurrentPid:        a.currentPid,
		ProcessStartTime:  a.processStartTime,
		LastReturnCode:    a.lastReturnCode,
		StartsCount:       a.startsCount,
		Health:            a.health,
		Status:            a.status.String(),
		RegistrationTime:  a.registrationTime,
		LastStartTime:     a.lastStartTime,
		OutputRingIndices: append([]int{}, a.ringIndices...),
		Ephemeral:         a.ephemeral,
	}
}

func (a *Application) toSpecLocked() AppSpec {
	desired := "disabled"
	if a.desiredEnabled || a.status == StatusEnabled {
		desired = "enabled"
	}
	var interval json.RawMessage
	if a.cronFlag {
		interval, _ = json.Marshal(a.cronExpr)
	} else if a.interval > 0 {
		interval, _ = json.Marshal(int64(a.interval / time.Second))
	}
	var retention json.RawMessage
	if a.retention > 0 {
		retention, _ = json.Marshal(int64(a.retention / time.Second))
	}
	var daily *DailyWindowRaw
	if !a.daily.isZero() {
		daily = &DailyWindowRaw{
			StartTimeOfDay: formatTimeOfDay(a.daily.Start),
			EndTimeOfDay:   formatTimeOfDay(a.daily.End),
		}
	}
	return AppSpec{
		Name:            a.name,
		Owner:           a.owner,
		OwnerPermission: OwnerPermJSON{Group: a.ownerPerm.Group.String(), Other: a.ownerPerm.Other.String()},
		Command:         a.command,
		ShellMode:       a.shellMode,
		WorkingDir:      a.workingDir,
		Environment:     append([]EnvVar{}, a.environment...),
		SecureEnv:       append([]EnvVar{}, a.secureEnvironment...),
		ExecutionUser:   a.executionUser,
		DockerImage:     a.dockerImage,
		ResourceLimits:  a.limits,
		HealthCheckCmd:  a.healthCheckCmd,
		StartTime:       durationx.FormatInstant(a.startTime),
		EndTime:         durationx.FormatInstant(a.endTime),
		DailyWindow:     daily,
		PosixTimezone:   a.posixTimezone,
		Interval:        interval,
		CronFlag:        a.cronFlag,
		Retention:       retention,
		DesiredState:    desired,
		ExitBehaviorStr: a.exitBehavior.String(),
		Metadata:        a.metadata,
		CloudApp:        a.cloudApp,
	}
}

// MarshalJSON gives Application a single canonical JSON encoding
// driven by AppSpec's fixed field order, so repeated encodes of the
// same value are byte-identical. Environment and secure_environment
// are encoded as ordered arrays of pairs, never as JSON objects, so
// map key reordering can never perturb the output.
func (a *Application) MarshalJSON() ([]byte, error) {
	a.lock()
	defer a.unlock()
	return json.Marshal(a.toSpecLocked())
}

// UnmarshalJSON parses the same shape MarshalJSON produces. It is
// meant for a freshly zero-valued Application (json.Unmarshal's usual
// contract) and does not attach the result to a Registry; callers
// normally go through NewApplication instead, which also classifies
// Kind from an ExecutorFactory-bearing context.
func (a *Application) UnmarshalJSON(data []byte) error {
	var spec AppSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	parsed, err := NewApplication(spec, a.newExec)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}
