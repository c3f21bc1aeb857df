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

// Package cronspec parses and evaluates the 6-field extended cron
// expressions ("second minute hour dom month dow") that the application
// spec JSON uses for kind=Cron scheduling, built on robfig/cron/v3.
package cronspec

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr string
	sch  cron.Schedule
}

// Parse validates and parses a 6-field cron expression.
func Parse(expr string) (*Schedule, error) {
	sch, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronspec: %w", err)
	}
	return &Schedule{expr: expr, sch: sch}, nil
}

// Valid reports whether expr parses as a valid 6-field cron expression.
func Valid(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// Next returns the first instant >= candidate that the schedule fires at.
//
// robfig/cron's Schedule.Next always returns a time strictly after its
// argument, so a candidate that is itself an exact fire instant would
// otherwise be skipped. This is detected by probing one second before
// candidate and returning candidate itself when it is a fire instant.
func (s *Schedule) Next(candidate time.Time) time.Time {
	probe := s.sch.Next(candidate.Add(-time.Second))
	if probe.Equal(candidate) {
		return candidate
	}
	return s.sch.Next(candidate)
}

func (s *Schedule) String() string {
	return s.expr
}
