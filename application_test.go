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
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeExecutor is an in-memory Executor stand-in: Spawn marks the
// process running without forking anything, and a test drives
// reap/exit through finish().
type fakeExecutor struct {
	mu      sync.Mutex
	running bool
	pid     int
	code    int
}

func (f *fakeExecutor) Spawn(req ExecRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.pid++
	return f.pid, nil
}

func (f *fakeExecutor) Signal(sig int) error { return nil }

func (f *fakeExecutor) KillGroup(timeout time.Duration) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) Wait(timeout time.Duration) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, !f.running
}

func (f *fakeExecutor) Attach(pid int, startTime time.Time, containerID string) error { return nil }

func (f *fakeExecutor) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeExecutor) Fetch(index int, pos Position) ([]byte, Position, *int, error) {
	return nil, pos, nil, nil
}

func (f *fakeExecutor) StartError() error { return nil }

// finish marks the fake process as exited with the given return code.
func (f *fakeExecutor) finish(code int) {
	f.mu.Lock()
	f.running = false
	f.code = code
	f.mu.Unlock()
}

func newTestSpec(name string) AppSpec {
	return AppSpec{Name: name, Command: "/bin/true"}
}

func WithApplication(spec AppSpec, exec *fakeExecutor, fn func(a *Application)) func() {
	return func() {
		a, err := NewApplication(spec, func(*Application) Executor { return exec })
		So(err, ShouldBeNil)
		So(a, ShouldNotBeNil)
		fn(a)
	}
}

func TestNewApplicationRequiresNameAndCommand(t *testing.T) {
	Convey("Registering without a name fails", t, func() {
		_, err := NewApplication(AppSpec{Command: "/bin/true"}, nil)
		So(err, ShouldNotBeNil)
		So(KindOf(err), ShouldEqual, KindInvalidInput)
	})
	Convey("Registering without a command fails", t, func() {
		_, err := NewApplication(AppSpec{Name: "x"}, nil)
		So(err, ShouldNotBeNil)
		So(KindOf(err), ShouldEqual, KindInvalidInput)
	})
}

func TestNewApplicationRejectsEqualDailyWindowBounds(t *testing.T) {
	Convey("A daily window with equal start and end is rejected", t, func() {
		spec := newTestSpec("equal-window")
		spec.DailyWindow = &DailyWindowRaw{StartTimeOfDay: "09:00:00", EndTimeOfDay: "09:00:00"}
		_, err := NewApplication(spec, nil)
		So(err, ShouldNotBeNil)
	})
}

func TestNewApplicationRejectsCronFlagWithoutInterval(t *testing.T) {
	Convey("cron_flag without an interval is rejected", t, func() {
		spec := newTestSpec("cron-no-interval")
		spec.CronFlag = true
		_, err := NewApplication(spec, nil)
		So(err, ShouldNotBeNil)
	})
}

func TestNewApplicationClassifiesKind(t *testing.T) {
	Convey("A plain long-running spec classifies as LongRunning", t,
		WithApplication(func() AppSpec {
			s := newTestSpec("long-running")
			s.ExitBehaviorStr = "restart"
			return s
		}(), &fakeExecutor{}, func(a *Application) {
			So(a.Snapshot().Kind, ShouldEqual, "LongRunning")
		}))
}

func TestEnableDisableLifecycle(t *testing.T) {
	Convey("Given a freshly registered, disabled application", t,
		WithApplication(newTestSpec("lifecycle"), &fakeExecutor{}, func(a *Application) {
			So(a.Snapshot().Status, ShouldEqual, "Disabled")

			Convey("Enable transitions it to Enabled and schedules a next instant", func() {
				So(a.Enable(), ShouldBeNil)
				So(a.Snapshot().Status, ShouldEqual, "Enabled")

				Convey("Enabling again is a no-op", func() {
					So(a.Enable(), ShouldBeNil)
					So(a.Snapshot().Status, ShouldEqual, "Enabled")
				})

				Convey("Disable returns it to Disabled", func() {
					So(a.Disable(), ShouldBeNil)
					So(a.Snapshot().Status, ShouldEqual, "Disabled")

					Convey("Disabling again is a no-op", func() {
						So(a.Disable(), ShouldBeNil)
						So(a.Snapshot().Status, ShouldEqual, "Disabled")
					})
				})
			})
		}))
}

func TestEvaluateLaunchesWhenDue(t *testing.T) {
	exec := &fakeExecutor{}
	Convey("Given an enabled application whose next instant has passed", t,
		WithApplication(newTestSpec("launch-due"), exec, func(a *Application) {
			So(a.Enable(), ShouldBeNil)

			a.evaluate(time.Now().Add(time.Second))
			snap := a.Snapshot()
			So(snap.CurrentPid, ShouldNotEqual, 0)
			So(snap.StartsCount, ShouldEqual, 1)
		}))
}

func TestEvaluateReapsAndAppliesExitBehavior(t *testing.T) {
	exec := &fakeExecutor{}
	spec := newTestSpec("reap-restart")
	spec.ExitBehaviorStr = "restart"

	Convey("Given a running application configured to restart on exit", t,
		WithApplication(spec, exec, func(a *Application) {
			So(a.Enable(), ShouldBeNil)
			a.evaluate(time.Now().Add(time.Second))
			So(a.Snapshot().StartsCount, ShouldEqual, 1)

			Convey("Reaping it relaunches immediately", func() {
				exec.finish(0)
				a.evaluate(time.Now())
				So(a.Snapshot().StartsCount, ShouldEqual, 2)
			})
		}))
}

func TestEvaluateCooldownOnRemove(t *testing.T) {
	exec := &fakeExecutor{}
	spec := newTestSpec("reap-remove")
	spec.ExitBehaviorStr = "remove"

	Convey("Given a running application configured to be removed on exit", t,
		WithApplication(spec, exec, func(a *Application) {
			So(a.Enable(), ShouldBeNil)
			a.evaluate(time.Now().Add(time.Second))

			Convey("Reaping it moves to cooldown rather than relaunching", func() {
				exec.finish(0)
				a.evaluate(time.Now())
				So(a.Snapshot().StartsCount, ShouldEqual, 1)
			})
		}))
}

func TestEvaluateKillsAndRelaunchesOverrunningPeriodicProcess(t *testing.T) {
	exec := &fakeExecutor{}
	spec := newTestSpec("periodic-overrun")
	spec.Interval = json.RawMessage(`"PT1M"`)

	Convey("Given an enabled periodic application whose process outlives its interval", t,
		WithApplication(spec, exec, func(a *Application) {
			So(a.Enable(), ShouldBeNil)

			start := time.Now()
			a.lock()
			a.nextAt = start
			a.hasNext = true
			a.unlock()

			a.evaluate(start)
			So(a.Snapshot().StartsCount, ShouldEqual, 1)
			So(exec.Running(), ShouldBeTrue)

			Convey("Once the next instant arrives, the old process is killed and a new one launched", func() {
				// Force the next scheduled instant due again, simulating the
				// interval elapsing while the first process is still running.
				a.lock()
				a.nextAt = start
				a.unlock()

				a.evaluate(start.Add(time.Millisecond))
				snap := a.Snapshot()
				So(snap.StartsCount, ShouldEqual, 2)
				So(exec.Running(), ShouldBeTrue)
			})
		}))
}

func TestSnapshotEphemeralFlag(t *testing.T) {
	Convey("An ephemeral one-shot application reports Ephemeral in its snapshot", t,
		WithApplication(AppSpec{Name: "ephemeral", Command: "/bin/true", OneShot: true}, &fakeExecutor{}, func(a *Application) {
			So(a.Snapshot().Ephemeral, ShouldBeTrue)
		}))
}

func TestDockerImageAccessor(t *testing.T) {
	Convey("DockerImage reflects the configured image", t,
		WithApplication(AppSpec{Name: "containerized", Command: "ignored", DockerImage: "alpine:latest"}, &fakeExecutor{}, func(a *Application) {
			So(a.DockerImage(), ShouldEqual, "alpine:latest")
		}))
}
