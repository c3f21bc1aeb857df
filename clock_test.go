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

func WithClock(fn func(c *Clock)) func() {
	return func() {
		c := NewClock()
		Reset(func() {
			c.Stop()
		})
		fn(c)
	}
}

func TestClockFiresInOrder(t *testing.T) {
	Convey("Given a running clock", t, WithClock(func(c *Clock) {
		var mu sync.Mutex
		var fired []int

		done := make(chan struct{})
		record := func(n int, last bool) func() {
			return func() {
				mu.Lock()
				fired = append(fired, n)
				mu.Unlock()
				if last {
					close(done)
				}
			}
		}

		_, err := c.Schedule(30*time.Millisecond, record(2, false))
		So(err, ShouldBeNil)
		_, err = c.Schedule(10*time.Millisecond, record(1, false))
		So(err, ShouldBeNil)
		_, err = c.Schedule(50*time.Millisecond, record(3, true))
		So(err, ShouldBeNil)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timers never fired")
		}

		mu.Lock()
		defer mu.Unlock()
		So(fired, ShouldResemble, []int{1, 2, 3})
	}))
}

func TestClockCancelPreventsCallback(t *testing.T) {
	Convey("Given a scheduled callback", t, WithClock(func(c *Clock) {
		fired := false
		id, err := c.Schedule(20*time.Millisecond, func() { fired = true })
		So(err, ShouldBeNil)

		Convey("Canceling it before it fires suppresses it", func() {
			c.Cancel(id)
			time.Sleep(50 * time.Millisecond)
			So(fired, ShouldBeFalse)
		})
	}))
}

func TestClockScheduleAfterStopFails(t *testing.T) {
	Convey("Given a stopped clock", t, func() {
		c := NewClock()
		c.Stop()

		Convey("Schedule reports the shutdown error", func() {
			_, err := c.Schedule(time.Millisecond, func() {})
			So(err, ShouldEqual, ErrShuttingDown)
		})
	})
}

func TestClockCancelUnknownIDIsNoOp(t *testing.T) {
	Convey("Given a running clock", t, WithClock(func(c *Clock) {
		Convey("Canceling an id that was never scheduled does not panic", func() {
			So(func() { c.Cancel(TimerID(999)) }, ShouldNotPanic)
		})
	}))
}
