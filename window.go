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
	"time"

	"github.com/appmeshio/appmeshd/cronspec"
)

// DailyWindow is a daily time-of-day window, resolved in a posix
// timezone. Equal start/end is disallowed at ingestion.
type DailyWindow struct {
	Start time.Duration // time-of-day offset from local midnight
	End   time.Duration
}

func (d DailyWindow) isZero() bool {
	return d.Start == 0 && d.End == 0
}

// Schedule bundles the time-related fields of an Application that C2
// needs to compute the next run instant.
type Schedule struct {
	StartTime   time.Time // −∞ if zero
	EndTime     time.Time // +∞ (capped, see durationx.TenYearCap) if zero
	Daily       DailyWindow
	Location    *time.Location
	Interval    time.Duration // used when CronFlag is false
	CronFlag    bool
	Cron        *cronspec.Schedule // parsed, used when CronFlag is true
}

func (s Schedule) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

func (s Schedule) effectiveEnd() time.Time {
	if s.EndTime.IsZero() {
		return time.Now().Add(10 * 365 * 24 * time.Hour)
	}
	return s.EndTime
}

// midnightOf returns the local midnight (in s.loc()) that begins the day
// containing t.
func midnightOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// applyDailyWindow advances candidate forward (never backward) to the
// next instant that lies within the configured daily window. The
// window is half-open: [start, end).
func applyDailyWindow(candidate time.Time, w DailyWindow, loc *time.Location) time.Time {
	if w.isZero() {
		return candidate
	}
	day := midnightOf(candidate, loc)
	tod := candidate.Sub(day)

	if w.Start < w.End {
		// Normal window: valid range [start, end).
		if tod < w.Start {
			return day.Add(w.Start)
		}
		if tod >= w.End {
			return day.Add(24 * time.Hour).Add(w.Start)
		}
		return candidate
	}

	// w.Start > w.End: window wraps midnight. Invalid range is [end, start).
	if tod >= w.End && tod < w.Start {
		return day.Add(w.Start)
	}
	return candidate
}

// NextInstant computes the next eligible wall-clock instant for an
// application given its current schedule, or ok=false meaning "never
// again".
func NextInstant(now time.Time, s Schedule) (time.Time, bool) {
	candidate := now
	if s.StartTime.After(candidate) {
		candidate = s.StartTime
	}
	end := s.effectiveEnd()
	if candidate.After(end) {
		return time.Time{}, false
	}

	loc := s.loc()

	switch {
	case s.CronFlag && s.Cron != nil:
		candidate = applyDailyWindow(candidate, s.Daily, loc)
		next := s.Cron.Next(candidate)
		next = applyDailyWindow(next, s.Daily, loc)
		if next.After(end) {
			return time.Time{}, false
		}
		return next, true

	case s.Interval > 0:
		candidate = applyDailyWindow(candidate, s.Daily, loc)
		base := s.StartTime
		if base.IsZero() {
			base = candidate
		}
		next := nextPeriodicInstant(base, s.Interval, candidate)
		next = applyDailyWindow(next, s.Daily, loc)
		// Reapplying the window can push next past a boundary that
		// interacts with the interval grid again; one more pass
		// settles it since the window only ever advances forward.
		if again := nextPeriodicInstant(base, s.Interval, next); again.After(next) {
			next = applyDailyWindow(again, s.Daily, loc)
		}
		if next.After(end) {
			return time.Time{}, false
		}
		return next, true

	default:
		// One-shot / long-running: candidate itself, subject to the
		// daily window.
		candidate = applyDailyWindow(candidate, s.Daily, loc)
		if candidate.After(end) {
			return time.Time{}, false
		}
		return candidate, true
	}
}

// nextPeriodicInstant returns the least base + k*interval >= now, k >= 0:
// the smallest point on the interval grid anchored at base that is not
// before now.
func nextPeriodicInstant(base time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return base
	}
	if !now.After(base) {
		return base
	}
	elapsed := now.Sub(base)
	k := elapsed / interval
	next := base.Add(k * interval)
	if next.Before(now) {
		next = next.Add(interval)
	}
	return next
}
