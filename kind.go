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

import "time"

// Kind classifies an application's scheduling shape. It is derived at
// registration time from the application's scheduling fields, never
// set directly by a caller.
//
// Kind is modeled as a tagged variant dispatched through kindStrategies
// rather than as a class hierarchy with virtual nextInstant/afterReap
// methods: every kind's behavior is two small functions, and a lookup
// table reads better than five thin subclasses that differ only in
// those two functions.
type Kind int

const (
	KindUninitialized Kind = iota
	KindLongRunning
	KindShortRunning
	KindPeriodic
	KindCron
	KindOneShot
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "UnInitialized"
	case KindLongRunning:
		return "LongRunning"
	case KindShortRunning:
		return "ShortRunning"
	case KindPeriodic:
		return "Periodic"
	case KindCron:
		return "Cron"
	case KindOneShot:
		return "OneShot"
	}
	return "Unknown"
}

// classifyKind derives Kind from an application's scheduling, control,
// and identity fields. A kind=Uninitialized application awaiting its
// real definition (see application.go's uninitialized swap) takes
// priority over every other rule.
//
// LongRunning vs. ShortRunning has no direct discriminator field in
// the data model; it is derived from exit_behavior, since that is what
// actually distinguishes "expected to keep running" (restart,
// keepalive) from "runs to completion once per schedule" (standby,
// remove). Both use genericAfterReap, and their nextInstant functions
// (NextInstant and onceNow) give the same result for an application
// with no interval or cron expression, so the distinction is
// informational (surfaced in Snapshot) rather than behavioral.
func classifyKind(uninitialized, oneShot, cronFlag bool, interval time.Duration, behavior ExitBehavior) Kind {
	switch {
	case uninitialized:
		return KindUninitialized
	case oneShot:
		return KindOneShot
	case cronFlag:
		return KindCron
	case interval > 0:
		return KindPeriodic
	case behavior == ExitRestart || behavior == ExitKeepalive:
		return KindLongRunning
	default:
		return KindShortRunning
	}
}

// reapOutcome tells evaluate what to do with an Application immediately
// after its process is reaped.
type reapOutcome int

const (
	reapWaiting  reapOutcome = iota // compute next instant, go idle until then
	reapRelaunch                    // relaunch now
	reapCooldown                    // move to Cooldown, never re-queue
)

// kindStrategy bundles the two behaviors that vary by Kind:
// nextInstant (how C2 is consulted) and afterReap (how exit_behavior
// combines with the kind to decide the post-reap transition).
type kindStrategy struct {
	// nextInstant computes the next eligible run instant for sched as of
	// now, or ok=false for "never again". Periodic and Cron kinds reuse
	// the shared NextInstant window evaluator directly; ShortRunning and
	// OneShot treat "now" itself as the only instant (they run once per
	// enable, not on a recurring schedule).
	nextInstant func(now time.Time, sched Schedule) (time.Time, bool)

	// afterReap decides the post-reap transition given the configured
	// exit_behavior and the process's return code. Periodic, Cron and
	// OneShot use their own rule in place of the generic exit_behavior
	// table, genericAfterReap.
	afterReap func(behavior ExitBehavior, rc int) reapOutcome
}

var kindStrategies = map[Kind]kindStrategy{
	KindLongRunning: {
		nextInstant: NextInstant,
		afterReap:   genericAfterReap,
	},
	KindShortRunning: {
		nextInstant: onceNow,
		afterReap:   genericAfterReap,
	},
	KindPeriodic: {
		nextInstant: NextInstant,
		afterReap:   periodicAfterReap,
	},
	KindCron: {
		nextInstant: NextInstant,
		afterReap:   periodicAfterReap,
	},
	KindOneShot: {
		nextInstant: onceNow,
		afterReap: func(ExitBehavior, int) reapOutcome {
			return reapCooldown
		},
	},
	KindUninitialized: {
		nextInstant: onceNow,
		afterReap: func(ExitBehavior, int) reapOutcome {
			return reapCooldown
		},
	},
}

// onceNow is the nextInstant for kinds that run exactly once per
// enable: the only eligible instant is "now", subject to the
// schedule's start/end bounds and daily window.
func onceNow(now time.Time, sched Schedule) (time.Time, bool) {
	if sched.StartTime.After(now) {
		now = sched.StartTime
	}
	end := sched.effectiveEnd()
	if now.After(end) {
		return time.Time{}, false
	}
	candidate := applyDailyWindow(now, sched.Daily, sched.loc())
	if candidate.After(end) {
		return time.Time{}, false
	}
	return candidate, true
}

// genericAfterReap implements the exit_behavior table from the state
// machine's reap transition directly: standby waits for the next
// instant, restart and a nonzero-code keepalive relaunch immediately,
// remove moves to cooldown for later deletion.
func genericAfterReap(behavior ExitBehavior, rc int) reapOutcome {
	switch behavior {
	case ExitRestart:
		return reapRelaunch
	case ExitKeepalive:
		if rc != 0 {
			return reapRelaunch
		}
		return reapWaiting
	case ExitRemove:
		return reapCooldown
	default: // ExitStandby
		return reapWaiting
	}
}

// periodicAfterReap overrides the generic standby/restart table:
// Periodic and Cron applications keep running until their next
// scheduled instant arrives, at which point evaluate kills the previous
// process and launches a new one without passing through here. A reap
// (the process exiting on its own before that instant) re-queues for
// the next instant rather than relaunching immediately, whatever the
// configured exit_behavior, except that remove moves to cooldown.
func periodicAfterReap(behavior ExitBehavior, rc int) reapOutcome {
	if behavior == ExitRemove {
		return reapCooldown
	}
	return reapWaiting
}
