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
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// trackingFactory hands out a fakeExecutor per application and remembers
// the latest one built for each name, so a test can drive it to
// completion (finish) after RunAsync/RunSync has launched it.
type trackingFactory struct {
	mu    sync.Mutex
	execs map[string]*fakeExecutor
}

func newTrackingFactory() *trackingFactory {
	return &trackingFactory{execs: make(map[string]*fakeExecutor)}
}

func (tf *trackingFactory) build(app *Application) Executor {
	e := &fakeExecutor{}
	tf.mu.Lock()
	tf.execs[app.Name()] = e
	tf.mu.Unlock()
	return e
}

func (tf *trackingFactory) get(name string) *fakeExecutor {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.execs[name]
}

func WithControlSurface(fn func(cs *ControlSurface, reg *Registry, sup *Supervisor, tf *trackingFactory)) func() {
	return func() {
		reg := NewRegistry("control-test")
		tf := newTrackingFactory()
		cs := NewControlSurface(reg, tf.build)
		sup := NewSupervisor(reg, tf.build, WithTickInterval(15*time.Millisecond))
		sup.Start()
		Reset(func() {
			sup.Stop()
			reg.Shutdown()
		})
		fn(cs, reg, sup, tf)
	}
}

func TestControlSurfaceRegisterEnableView(t *testing.T) {
	Convey("Given a control surface over an empty registry", t,
		WithControlSurface(func(cs *ControlSurface, reg *Registry, sup *Supervisor, tf *trackingFactory) {
			snap, err := cs.Register("alice", newTestSpec("svc"), false)
			So(err, ShouldBeNil)
			So(snap.Status, ShouldEqual, "Disabled")

			Convey("Enabling it transitions to Enabled", func() {
				So(cs.Enable("alice", "svc", false), ShouldBeNil)
				viewed, err := cs.View("alice", "svc", false)
				So(err, ShouldBeNil)
				So(viewed.Status, ShouldEqual, "Enabled")
			})

			Convey("It appears in List", func() {
				list, err := cs.List("alice", false)
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 1)
			})

			Convey("Unregistering it removes it from List", func() {
				So(cs.Unregister("alice", "svc"), ShouldBeNil)
				list, err := cs.List("alice", false)
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 0)
			})
		}))
}

func TestControlSurfaceViewUnknownApp(t *testing.T) {
	Convey("Given an empty control surface", t,
		WithControlSurface(func(cs *ControlSurface, reg *Registry, sup *Supervisor, tf *trackingFactory) {
			_, err := cs.View("alice", "nosuch", false)
			So(err, ShouldNotBeNil)
			So(KindOf(err), ShouldEqual, KindNotFound)
		}))
}

type denyOpGate struct{ op string }

func (g denyOpGate) PermitOp(caller, op string) bool { return op != g.op }

func TestControlSurfaceOpGateDeniesRegister(t *testing.T) {
	Convey("Given a control surface whose op gate denies APP_REG", t, func() {
		reg := NewRegistry("op-gate-test")
		Reset(func() { reg.Shutdown() })
		cs := NewControlSurface(reg, newExecFactory(), WithOpGate(denyOpGate{op: "APP_REG"}))

		Convey("Register is rejected as Unauthorized", func() {
			_, err := cs.Register("alice", newTestSpec("blocked"), false)
			So(err, ShouldNotBeNil)
			So(KindOf(err), ShouldEqual, KindUnauthorized)
		})
	})
}

func TestRunAsyncStreamsToCompletion(t *testing.T) {
	Convey("Given a control surface with a running supervisor", t,
		WithControlSurface(func(cs *ControlSurface, reg *Registry, sup *Supervisor, tf *trackingFactory) {
			spec := AppSpec{Command: "/bin/true"}
			name, uuid, err := cs.RunAsync("alice", spec, 0, 0)
			So(err, ShouldBeNil)
			So(name, ShouldStartWith, "run-")
			So(uuid, ShouldNotBeEmpty)

			Convey("The application shows up as running, then completes", func() {
				var exec *fakeExecutor
				for i := 0; i < 50 && exec == nil; i++ {
					exec = tf.get(name)
					time.Sleep(5 * time.Millisecond)
				}
				So(exec, ShouldNotBeNil)

				snap, err := cs.View("alice", name, false)
				So(err, ShouldBeNil)
				So(snap.Ephemeral, ShouldBeTrue)

				exec.finish(0)

				// Give the supervisor a few ticks to reap, cooldown, and
				// (since this is a OneShot) self-remove.
				time.Sleep(200 * time.Millisecond)
				_, err = cs.View("alice", name, false)
				So(err, ShouldNotBeNil)
				So(KindOf(err), ShouldEqual, KindNotFound)
			})
		}))
}

func TestRunSyncBlocksUntilExit(t *testing.T) {
	Convey("Given a control surface with a running supervisor", t,
		WithControlSurface(func(cs *ControlSurface, reg *Registry, sup *Supervisor, tf *trackingFactory) {
			spec := AppSpec{Command: "/bin/true"}

			go func() {
				// RunSync blocks until the fake process exits; finish it
				// shortly after launch once the tracking factory has a
				// handle on it.
				for i := 0; i < 50; i++ {
					if exec := tf.get("sync-target"); exec != nil {
						time.Sleep(20 * time.Millisecond)
						exec.finish(0)
						return
					}
					time.Sleep(5 * time.Millisecond)
				}
			}()
			spec.Name = "sync-target"

			snap, err := cs.RunSync("alice", spec, 2*time.Second)
			So(err, ShouldBeNil)
			So(snap.Ephemeral, ShouldBeTrue)
			So(snap.LastReturnCode, ShouldEqual, 0)

			_, ok := reg.Get("sync-target")
			So(ok, ShouldBeFalse)
		}))
}
