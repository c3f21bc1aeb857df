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

// Package durationx parses the duration and instant encodings that the
// application spec JSON accepts: durations as either a bare integer
// number of seconds or an ISO-8601 duration ("P1Y2M3DT4H5M6S", "P5W"),
// and instants as ISO-8601 date-times resolved under a POSIX timezone
// string.
package durationx

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TenYearCap is the cap applied to an unset end_time, per the data model:
// "unset ⇒ −∞ / +∞ with a 10-year cap".
const TenYearCap = 10 * 365 * 24 * time.Hour

// isoDurationRx matches ISO-8601 durations of the form
// P(n Y)(n M)(n W)(n D)(T (n H)(n M)(n S)). Years/months are approximated
// to 365/30 days respectively, which is sufficient for scheduling
// granularity at the second.
var isoDurationRx = regexp.MustCompile(
	`^P(?:(?P<year>\d+)Y)?(?:(?P<month>\d+)M)?(?:(?P<week>\d+)W)?(?:(?P<day>\d+)D)?` +
		`(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ErrFormat is returned whenever a duration string matches neither the
// bare-integer-seconds nor the ISO-8601 grammar.
var ErrFormat = fmt.Errorf("durationx: invalid duration format")

// ParseDuration parses a duration field per the application spec JSON
// contract: an integer (seconds) or an ISO-8601 duration string.
func ParseDuration(raw json.RawMessage) (time.Duration, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}
	if trimmed[0] != '"' {
		var secs int64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return 0, fmt.Errorf("durationx: %w", err)
		}
		return time.Duration(secs) * time.Second, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("durationx: %w", err)
	}
	return ParseISODuration(s)
}

// ParseISODuration parses a single ISO-8601 duration string.
func ParseISODuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "P" || s == "PT" {
		return 0, ErrFormat
	}
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrFormat
	}
	names := isoDurationRx.SubexpNames()
	var total time.Duration
	any := false
	for i, name := range names {
		if i == 0 || name == "" || m[i] == "" {
			continue
		}
		any = true
		num, frac, err := splitNumber(m[i])
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch name {
		case "year":
			unit = 365 * 24 * time.Hour
		case "month":
			unit = 30 * 24 * time.Hour
		case "week":
			unit = 7 * 24 * time.Hour
		case "day":
			unit = 24 * time.Hour
		case "hour":
			unit = time.Hour
		case "minute":
			unit = time.Minute
		case "second":
			unit = time.Second
		default:
			return 0, fmt.Errorf("durationx: unknown component %q", name)
		}
		total += time.Duration(num) * unit
		if frac != 0 {
			total += time.Duration(frac * float64(unit))
		}
	}
	if !any {
		return 0, ErrFormat
	}
	return total, nil
}

func splitNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrFormat
		}
		f, err := strconv.ParseInt(fraction, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("durationx: %w", err)
		}
		if f != 0 {
			frac = float64(f) / math.Pow10(len(fraction))
		}
	}
	num, err = strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("durationx: %w", err)
	}
	return num, frac, nil
}

// const layout used for instant fields: "2020-10-11T09:22:05" (no zone
// suffix -- the zone comes from the separate posix_timezone field).
const instantLayout = "2006-01-02T15:04:05"

// ParseInstant parses an application-spec instant ("2020-10-11T09:22:05")
// in the named POSIX timezone.
func ParseInstant(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(instantLayout, s, loc)
}

// FormatInstant renders an instant back to the wire format.
func FormatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(instantLayout)
}

// ResolveLocation maps a posix_timezone string ("GMT+00:00", "UTC", an
// IANA name, or empty) to a *time.Location. Empty, UTC, GMT and
// GMT±00:00 resolve to UTC; any other "GMT±HH[:MM]" string becomes a
// fixed zone using the POSIX sign convention (GMT+N is N hours WEST of
// UTC); everything else is looked up in the IANA database.
func ResolveLocation(posixTZ string) (*time.Location, error) {
	switch strings.TrimSpace(posixTZ) {
	case "", "UTC", "GMT", "GMT+00:00", "GMT-00:00":
		return time.UTC, nil
	}
	if strings.HasPrefix(posixTZ, "GMT") {
		sign := 1
		rest := posixTZ[3:]
		if strings.HasPrefix(rest, "+") {
			sign = -1 // POSIX convention: GMT+N is N hours behind UTC
			rest = rest[1:]
		} else if strings.HasPrefix(rest, "-") {
			rest = rest[1:]
		}
		hh, mm := rest, "00"
		if idx := strings.IndexByte(rest, ':'); idx >= 0 {
			hh, mm = rest[:idx], rest[idx+1:]
		}
		h, err := strconv.Atoi(hh)
		if err != nil {
			return nil, fmt.Errorf("durationx: bad posix timezone %q", posixTZ)
		}
		m, err := strconv.Atoi(mm)
		if err != nil {
			return nil, fmt.Errorf("durationx: bad posix timezone %q", posixTZ)
		}
		offset := sign * (h*3600 + m*60)
		return time.FixedZone(posixTZ, offset), nil
	}
	return time.LoadLocation(posixTZ)
}
