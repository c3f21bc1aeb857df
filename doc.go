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

// Package appmesh implements a host-local application lifecycle
// supervisor: a scheduler that decides when registered applications
// must run, an executor that launches and tracks the resulting native
// or containerized processes, a health-check engine, and a
// snapshot/recovery layer that re-attaches to surviving processes
// after a restart.
//
// An Application is the central entity: it carries an execution
// command, a schedule (absolute window, daily window, interval or
// cron recurrence), and a post-exit policy. A Registry holds the set
// of known applications by name; a Supervisor ticks periodically and
// asks each Application to evaluate its schedule, dispatching any
// launch or health-check work to worker goroutines so the tick itself
// never blocks.
//
// This package is transport-agnostic: package rest binds the control
// surface (register/enable/disable/output/...) to HTTP, and
// the appmeshd main package assembles a runnable daemon from the pieces.
package appmesh
