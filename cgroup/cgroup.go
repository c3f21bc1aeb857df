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

// Package cgroup applies an Application's resource_limits (memory,
// memory+swap, cpu_shares) to a native child process via cgroup v1,
// using containerd/cgroups. Where cgroups cannot be created (non-Linux,
// unprivileged without delegation), Apply degrades to an rlimit-based
// best-effort memory cap and returns a non-fatal warning through its
// error value's wrapped cause, which callers may choose to log instead
// of treating as a spawn failure.
package cgroup

import (
	"fmt"
	"path/filepath"
	"syscall"
	"unsafe"

	cgroupsv1 "github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Limits mirrors appmesh.ResourceLimits without importing the root
// package, keeping this a leaf dependency.
type Limits struct {
	MemoryMB         int
	MemoryPlusSwapMB int
	CPUShares        int
}

// Limiter creates and tears down a per-process cgroup.
type Limiter struct {
	slice string // parent cgroup path, e.g. "/appmeshd"
}

// NewLimiter returns a Limiter that nests application cgroups under the
// given parent slice (created on first use).
func NewLimiter(slice string) *Limiter {
	if slice == "" {
		slice = "/appmeshd"
	}
	return &Limiter{slice: slice}
}

// Apply creates a cgroup for pid named after appName under the
// Limiter's slice, applying the given limits, and returns a cleanup
// function that removes it. If cgroups v1 is unavailable on this host,
// Apply falls back to an RLIMIT_AS memory bound set on pid through
// prlimit(2) and
// returns a no-op cleanup along with a descriptive (non-fatal) error.
func (l *Limiter) Apply(pid int, appName string, lim Limits) (cleanup func(), err error) {
	path := filepath.Join(l.slice, appName)
	res := &specs.LinuxResources{
		CPU:    cpuResources(lim),
		Memory: memResources(lim),
	}

	cg, err := cgroupsv1.New(cgroupsv1.V1, cgroupsv1.StaticPath(path), res)
	if err != nil {
		return l.rlimitFallback(pid, lim), fmt.Errorf("cgroup: falling back to rlimit: %w", err)
	}
	if err := cg.Add(cgroupsv1.Process{Pid: pid}); err != nil {
		cg.Delete()
		return l.rlimitFallback(pid, lim), fmt.Errorf("cgroup: add process: %w", err)
	}
	return func() { cg.Delete() }, nil
}

func cpuResources(lim Limits) *specs.LinuxCPU {
	if lim.CPUShares <= 0 {
		return nil
	}
	shares := uint64(lim.CPUShares)
	return &specs.LinuxCPU{Shares: &shares}
}

func memResources(lim Limits) *specs.LinuxMemory {
	if lim.MemoryMB <= 0 && lim.MemoryPlusSwapMB <= 0 {
		return nil
	}
	m := &specs.LinuxMemory{}
	if lim.MemoryMB > 0 {
		limit := int64(lim.MemoryMB) * 1024 * 1024
		m.Limit = &limit
	}
	if lim.MemoryPlusSwapMB > 0 {
		swap := int64(lim.MemoryPlusSwapMB) * 1024 * 1024
		m.Swap = &swap
	}
	return m
}

func (l *Limiter) rlimitFallback(pid int, lim Limits) func() {
	if lim.MemoryMB > 0 {
		bytes := uint64(lim.MemoryMB) * 1024 * 1024
		rl := syscall.Rlimit{Cur: bytes, Max: bytes}
		prlimitSet(pid, syscall.RLIMIT_AS, &rl)
	}
	return func() {}
}

// prlimitSet applies rlim to pid directly via prlimit(2), which (unlike
// setrlimit(2)) can target any process the caller has permission over,
// not just the caller itself -- the prerequisite for this to work as a
// cross-process fallback when cgroups aren't available.
func prlimitSet(pid int, resource int, rlim *syscall.Rlimit) error {
	_, _, errno := syscall.Syscall6(syscall.SYS_PRLIMIT64,
		uintptr(pid), uintptr(resource), uintptr(unsafe.Pointer(rlim)), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
