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
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/appmeshio/appmeshd/cgroup"
	"github.com/appmeshio/appmeshd/procwatch"
)

// NativeProcess is the native implementation of Executor: it spawns,
// tracks, limits, signals, and reaps a single OS process at a time,
// driven by an ExecRequest rather than a pre-built *exec.Cmd.
type NativeProcess struct {
	mu        sync.Mutex
	cmd       *exec.Cmd // nil when merely attached, not spawned by us
	pid       int
	startTime time.Time
	exited    bool
	exitCode  int
	waitErr   error
	waitDone  chan struct{}
	ring      *OutputRing
	limiter   *cgroup.Limiter
	unlimit   func()
	startErr  error
}

// NewNativeProcess returns an idle executor handle. limiter may be nil,
// in which case resource_limits are not applied (used in tests).
func NewNativeProcess(limiter *cgroup.Limiter) *NativeProcess {
	return &NativeProcess{limiter: limiter}
}

// splitArgv tokenizes a command line for shell_mode=false execution:
// whitespace-separated tokens, with single or double quoting to embed
// literal whitespace. This is not a full shell grammar — no globbing,
// no variable expansion.
func splitArgv(cmd string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	has := false
	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			has = true
		case r == ' ' || r == '\t':
			if has || cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
				has = false
			}
		default:
			cur.WriteRune(r)
			has = true
		}
	}
	if has || cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func buildEnv(req ExecRequest) ([]string, error) {
	env := make([]string, 0, len(req.Environment)+len(req.SecureEnvironment))
	for _, kv := range req.Environment {
		env = append(env, kv.Name+"="+kv.Value)
	}
	for _, kv := range req.SecureEnvironment {
		plain := kv.Value
		if req.Decryptor != nil {
			v, err := req.Decryptor.Decrypt(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("process: decrypt %s: %w", kv.Name, err)
			}
			plain = v
		}
		env = append(env, kv.Name+"="+plain)
	}
	return env, nil
}

func lookupCredential(username string) (*syscall.Credential, error) {
	if username == "" {
		return nil, nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// Spawn implements Executor.
func (p *NativeProcess) Spawn(req ExecRequest) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var argv []string
	if req.ShellMode {
		argv = []string{"/bin/sh", "-c", req.Command}
	} else {
		argv = splitArgv(req.Command)
	}
	if len(argv) == 0 {
		return 0, newErr(KindInvalidInput, "spawn", fmt.Errorf("empty command"))
	}

	env, err := buildEnv(req)
	if err != nil {
		return 0, newErr(KindSpawnFailed, "spawn", err)
	}

	cred, err := lookupCredential(req.ExecutionUser)
	if err != nil {
		return 0, newErr(KindSpawnFailed, "spawn", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = env
	// Ptrace holds the child at its own post-execve SIGTRAP stop, before
	// any of the target program's instructions run, so resource_limits
	// can be applied while it is still frozen rather than racing it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred, Ptrace: p.limiter != nil}
	cmd.Stdout = req.Ring
	cmd.Stderr = req.Ring

	var stdin io.WriteCloser
	if len(req.StdinBlob) > 0 {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return 0, newErr(KindSpawnFailed, "spawn", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return 0, newErr(KindSpawnFailed, "spawn", err)
	}

	if stdin != nil {
		go func() {
			stdin.Write(req.StdinBlob)
			stdin.Close()
		}()
	}

	pid := cmd.Process.Pid
	p.cmd = cmd
	p.pid = pid
	p.startTime = time.Now()
	p.exited = false
	p.ring = req.Ring
	p.waitDone = make(chan struct{})
	p.startErr = nil

	if p.limiter != nil {
		// If the child already raced past its exec-stop (or died before
		// reaching it), stopAtExec returns an error and limits go on
		// unconstrained rather than spawn blocking on a process that
		// may already be gone.
		if err := stopAtExec(pid); err == nil {
			if cleanup, err := p.limiter.Apply(pid, req.Name, cgroup.Limits{
				MemoryMB:         req.Limits.MemoryMB,
				MemoryPlusSwapMB: req.Limits.MemoryPlusSwapMB,
				CPUShares:        req.Limits.CPUShares,
			}); err == nil {
				p.unlimit = cleanup
			}
			resumeTraced(pid)
		}
	}

	go p.reap()
	return pid, nil
}

// stopAtExec blocks until pid reaches the ptrace-stop the kernel
// delivers immediately after its own execve, installed via Ptrace:
// true in SysProcAttr. The child does not run a single instruction of
// the target program until resumeTraced lets it continue.
func stopAtExec(pid int) error {
	var status syscall.WaitStatus
	for {
		if _, err := syscall.Wait4(pid, &status, 0, nil); err != nil {
			return err
		}
		if status.Stopped() {
			return nil
		}
		if status.Exited() || status.Signaled() {
			return fmt.Errorf("process exited before reaching its exec-stop")
		}
	}
}

// resumeTraced detaches pid from ptrace, letting it run unconstrained
// from there on and reapable through the ordinary Wait() path.
func resumeTraced(pid int) {
	syscall.PtraceDetach(pid)
}

func (p *NativeProcess) reap() {
	p.mu.Lock()
	cmd := p.cmd
	done := p.waitDone
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.waitErr = err
	if cmd.ProcessState != nil {
		p.exitCode = cmd.ProcessState.ExitCode()
	}
	if p.ring != nil {
		p.ring.SetExitCode(p.exitCode)
	}
	if p.unlimit != nil {
		p.unlimit()
		p.unlimit = nil
	}
	p.mu.Unlock()
	close(done)
}

// Signal implements Executor.
func (p *NativeProcess) Signal(sig int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid == 0 || p.exited {
		return ErrNotRunning
	}
	return syscall.Kill(p.pid, syscall.Signal(sig))
}

// KillGroup implements Executor: SIGTERM the process group, then
// escalate to SIGKILL after timeout.
func (p *NativeProcess) KillGroup(timeout time.Duration) error {
	p.mu.Lock()
	pid := p.pid
	done := p.waitDone
	exited := p.exited
	p.mu.Unlock()

	if pid == 0 {
		return ErrNotRunning
	}
	if exited {
		return nil
	}

	syscall.Kill(-pid, syscall.SIGTERM)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return nil
	}
}

// Wait implements Executor.
func (p *NativeProcess) Wait(timeout time.Duration) (int, bool) {
	p.mu.Lock()
	done := p.waitDone
	exited := p.exited
	code := p.exitCode
	p.mu.Unlock()
	if exited {
		return code, true
	}
	if done == nil {
		return 0, false
	}
	if timeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
			return 0, false
		}
	}
	p.mu.Lock()
	code = p.exitCode
	p.mu.Unlock()
	return code, true
}

// Attach implements Executor: rebind to a surviving process after a
// daemon restart, accepting only if the kernel-reported start time
// matches.
func (p *NativeProcess) Attach(pid int, startTime time.Time, _ string) error {
	if !procwatch.Alive(pid) {
		return newErr(KindTransient, "attach", ErrNotAttach)
	}
	if !startTime.IsZero() && !procwatch.Matches(pid, startTime) {
		return newErr(KindTransient, "attach", ErrNotAttach)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd = nil
	p.pid = pid
	p.startTime = startTime
	p.exited = false
	p.waitDone = make(chan struct{})
	go p.pollAttached()
	return nil
}

// pollAttached supplies reap semantics for a process we did not fork,
// since there is no *os.Process to Wait() on; it simply watches
// liveness until the pid disappears.
func (p *NativeProcess) pollAttached() {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		p.mu.Lock()
		pid := p.pid
		exited := p.exited
		done := p.waitDone
		p.mu.Unlock()
		if exited {
			return
		}
		if !procwatch.Alive(pid) {
			p.mu.Lock()
			p.exited = true
			p.exitCode = 0
			if p.ring != nil {
				p.ring.SetExitCode(0)
			}
			p.mu.Unlock()
			close(done)
			return
		}
	}
}

// Running implements Executor: liveness without reaping.
func (p *NativeProcess) Running() bool {
	p.mu.Lock()
	pid := p.pid
	exited := p.exited
	p.mu.Unlock()
	if pid == 0 || exited {
		return false
	}
	return procwatch.Alive(pid)
}

// Fetch implements Executor.
func (p *NativeProcess) Fetch(index int, pos Position) ([]byte, Position, *int, error) {
	p.mu.Lock()
	ring := p.ring
	p.mu.Unlock()
	if ring == nil {
		return nil, pos, nil, fmt.Errorf("process: no output ring attached")
	}
	return ring.Fetch(index, pos)
}

// StartError implements Executor.
func (p *NativeProcess) StartError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startErr
}

// Pid returns the tracked pid, or 0 if none.
func (p *NativeProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartTime returns the tracked process_start_time.
func (p *NativeProcess) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startTime
}
