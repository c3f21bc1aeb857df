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

// Package procwatch verifies that a pid is the same OS process a
// snapshot recorded, by comparing /proc/<pid>'s kernel start time, using
// shirou/gopsutil/v4 instead of hand-parsing /proc/<pid>/stat. This is
// the building block for C3's Attach and C9's re-attach scan.
package procwatch

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// StartTime returns the kernel-reported start time of pid.
func StartTime(pid int) (time.Time, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, fmt.Errorf("procwatch: %w", err)
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("procwatch: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Matches reports whether pid is alive and its kernel start time matches
// want within a one-second tolerance (kernels and /proc report start
// time at varying granularity, typically whole clock ticks).
func Matches(pid int, want time.Time) bool {
	got, err := StartTime(pid)
	if err != nil {
		return false
	}
	delta := got.Sub(want)
	if delta < 0 {
		delta = -delta
	}
	return delta < time.Second
}

// Alive reports whether pid currently exists.
func Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
