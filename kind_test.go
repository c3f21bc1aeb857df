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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKind(t *testing.T) {
	cases := []struct {
		name          string
		uninit        bool
		oneShot       bool
		cron          bool
		interval      time.Duration
		behavior      ExitBehavior
		want          Kind
	}{
		{"uninitialized wins over everything", true, true, true, time.Second, ExitRestart, KindUninitialized},
		{"one-shot", false, true, false, 0, ExitStandby, KindOneShot},
		{"cron", false, false, true, 0, ExitStandby, KindCron},
		{"periodic", false, false, false, time.Minute, ExitStandby, KindPeriodic},
		{"restart is long-running", false, false, false, 0, ExitRestart, KindLongRunning},
		{"keepalive is long-running", false, false, false, 0, ExitKeepalive, KindLongRunning},
		{"standby is short-running", false, false, false, 0, ExitStandby, KindShortRunning},
		{"remove is short-running", false, false, false, 0, ExitRemove, KindShortRunning},
	}
	for _, c := range cases {
		got := classifyKind(c.uninit, c.oneShot, c.cron, c.interval, c.behavior)
		assert.Equal(t, c.want, got, c.name)
	}
}

func TestGenericAfterReap(t *testing.T) {
	assert.Equal(t, reapRelaunch, genericAfterReap(ExitRestart, 0))
	assert.Equal(t, reapRelaunch, genericAfterReap(ExitRestart, 1))
	assert.Equal(t, reapWaiting, genericAfterReap(ExitKeepalive, 0))
	assert.Equal(t, reapRelaunch, genericAfterReap(ExitKeepalive, 1))
	assert.Equal(t, reapCooldown, genericAfterReap(ExitRemove, 0))
	assert.Equal(t, reapWaiting, genericAfterReap(ExitStandby, 0))
}

func TestPeriodicAfterReapIgnoresExitCode(t *testing.T) {
	assert.Equal(t, reapWaiting, periodicAfterReap(ExitStandby, 0))
	assert.Equal(t, reapWaiting, periodicAfterReap(ExitRestart, 1))
	assert.Equal(t, reapWaiting, periodicAfterReap(ExitKeepalive, 1))
	assert.Equal(t, reapCooldown, periodicAfterReap(ExitRemove, 0))
}

func TestKindStringer(t *testing.T) {
	cases := map[Kind]string{
		KindUninitialized: "UnInitialized",
		KindLongRunning:   "LongRunning",
		KindShortRunning:  "ShortRunning",
		KindPeriodic:      "Periodic",
		KindCron:          "Cron",
		KindOneShot:       "OneShot",
		Kind(99):          "Unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

func TestOnceNowRespectsStartTimeAndEnd(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	start := now.Add(time.Hour)
	sched := Schedule{StartTime: start, EndTime: start.Add(time.Minute)}

	got, ok := onceNow(now, sched)
	assert.True(t, ok)
	assert.Equal(t, start, got)

	_, ok = onceNow(now, Schedule{StartTime: start, EndTime: now})
	assert.False(t, ok)
}
