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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	units "github.com/docker/go-units"
)

// defaultImagePullTimeout is the fallback for APPMESH_IMAGE_PULL_TIMEOUT,
// in seconds.
const defaultImagePullTimeout = 300 * time.Second

// ContainerProcess is the container-backed implementation of Executor.
// It shells out to the docker CLI rather than linking a client library:
// the container runtime already exposes a stable CLI, so the boundary
// is kept there, treating stdout parsing as a trust-bounded contract.
type ContainerProcess struct {
	mu           sync.Mutex
	containerID  string
	pid          int
	pulling      bool
	startErr     error
	lastFetch    time.Time
	dockerOpts   string
	pullTimeout  time.Duration
	pullCancel   context.CancelFunc
	pullCmd      *exec.Cmd
	exitCode     *int
	dockerBinary string
}

// NewContainerProcess returns an idle container executor handle.
// dockerOpts is spliced into `docker run`; empty selects APP_DOCKER_OPTS
// from the environment. pullTimeout bounds image pulls; 0 selects
// APPMESH_IMAGE_PULL_TIMEOUT from the environment, or the default.
func NewContainerProcess(dockerOpts string, pullTimeout time.Duration) *ContainerProcess {
	if pullTimeout <= 0 {
		pullTimeout = imagePullTimeoutFromEnv()
	}
	if dockerOpts == "" {
		dockerOpts = dockerOptsFromEnv()
	}
	return &ContainerProcess{
		dockerOpts:   dockerOpts,
		pullTimeout:  pullTimeout,
		dockerBinary: "docker",
	}
}

func (c *ContainerProcess) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.dockerBinary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// Spawn implements Executor. It removes any stale container with the
// same name, pulls the image asynchronously if missing, then runs it
// and attaches to its init pid.
func (c *ContainerProcess) Spawn(req ExecRequest) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.run(ctx, "rm", "-f", req.Name)

	_, err := c.run(ctx, "image", "inspect", req.DockerImage)
	if err != nil {
		c.mu.Lock()
		c.pulling = true
		c.pid = 1 // synthetic pid while the pull is in flight
		c.mu.Unlock()
		go c.pullThenRun(req)
		return 1, nil
	}

	return c.doRun(req)
}

func (c *ContainerProcess) pullThenRun(req ExecRequest) {
	pullCtx, cancel := context.WithTimeout(context.Background(), c.pullTimeout)
	c.mu.Lock()
	c.pullCancel = cancel
	c.mu.Unlock()
	defer cancel()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), pullCtx)
	err := backoff.Retry(func() error {
		_, err := c.run(pullCtx, "pull", req.DockerImage)
		return err
	}, bo)

	c.mu.Lock()
	c.pulling = false
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.startErr = newErr(KindSpawnFailed, "pull", err)
		c.pid = 0
		c.mu.Unlock()
		return
	}
	if _, err := c.doRun(req); err != nil {
		c.mu.Lock()
		c.startErr = err
		c.pid = 0
		c.mu.Unlock()
	}
}

func formatMemFlags(lim ResourceLimits) []string {
	var flags []string
	if lim.MemoryMB > 0 {
		flags = append(flags, "--memory", units.BytesSize(float64(lim.MemoryMB)*1024*1024))
	}
	if lim.MemoryPlusSwapMB > 0 {
		flags = append(flags, "--memory-swap", units.BytesSize(float64(lim.MemoryPlusSwapMB)*1024*1024))
	}
	if lim.CPUShares > 0 {
		flags = append(flags, "--cpu-shares", strconv.Itoa(lim.CPUShares))
	}
	return flags
}

func (c *ContainerProcess) doRun(req ExecRequest) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := []string{"run", "-d", "--name", req.Name}
	args = append(args, formatMemFlags(req.Limits)...)
	for _, kv := range req.Environment {
		args = append(args, "-e", kv.Name+"="+kv.Value)
	}
	for _, kv := range req.SecureEnvironment {
		plain := kv.Value
		if req.Decryptor != nil {
			if v, err := req.Decryptor.Decrypt(kv.Value); err == nil {
				plain = v
			}
		}
		args = append(args, "-e", kv.Name+"="+plain)
	}
	if req.WorkingDir != "" {
		args = append(args, "-w", req.WorkingDir)
	}
	if c.dockerOpts != "" {
		args = append(args, strings.Fields(c.dockerOpts)...)
	}
	args = append(args, req.DockerImage)
	if req.Command != "" {
		if req.ShellMode {
			args = append(args, "/bin/sh", "-c", req.Command)
		} else {
			args = append(args, splitArgv(req.Command)...)
		}
	}

	id, err := c.run(ctx, args...)
	if err != nil {
		return 0, newErr(KindSpawnFailed, "run", fmt.Errorf("%s: %w", id, err))
	}

	out, err := c.run(ctx, "inspect", "-f", "{{.State.Pid}}", id)
	if err != nil {
		c.run(ctx, "rm", "-f", id)
		return 0, newErr(KindSpawnFailed, "inspect", err)
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 1 {
		c.run(ctx, "rm", "-f", id)
		return 0, newErr(KindSpawnFailed, "inspect", fmt.Errorf("bad init pid %q", out))
	}

	c.mu.Lock()
	c.containerID = id
	c.pid = pid
	c.mu.Unlock()
	return pid, nil
}

// Signal implements Executor: containers are signaled via `docker kill
// -s`.
func (c *ContainerProcess) Signal(sig int) error {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id == "" {
		return ErrNotRunning
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.run(ctx, "kill", "-s", strconv.Itoa(sig), id)
	return err
}

// KillGroup implements Executor: removes the container by id with a
// 3-second timeout; if a pull is still in flight, cancels its
// subprocess instead.
func (c *ContainerProcess) KillGroup(timeout time.Duration) error {
	c.mu.Lock()
	id := c.containerID
	pulling := c.pulling
	cancel := c.pullCancel
	c.mu.Unlock()

	if pulling && cancel != nil {
		cancel()
		return nil
	}
	if id == "" {
		return ErrNotRunning
	}
	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	_, err := c.run(ctx, "rm", "-f", id)
	return err
}

// Wait implements Executor by polling `docker inspect` for the
// container's running state until timeout.
func (c *ContainerProcess) Wait(timeout time.Duration) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		id := c.containerID
		c.mu.Unlock()
		if id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			out, err := c.run(ctx, "inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", id)
			cancel()
			if err == nil {
				fields := strings.Fields(out)
				if len(fields) == 2 && fields[0] == "false" {
					code, _ := strconv.Atoi(fields[1])
					c.mu.Lock()
					c.exitCode = &code
					c.mu.Unlock()
					return code, true
				}
			}
		}
		if timeout > 0 && time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(time.Second)
	}
}

// Attach implements Executor: rebind to a surviving container's init
// pid, trusting containerID rather than a kernel start time (used by
// the startup re-attach scan for docker-backed applications).
func (c *ContainerProcess) Attach(pid int, _ time.Time, containerID string) error {
	if containerID == "" {
		return newErr(KindTransient, "attach", ErrNotAttach)
	}
	out, err := c.run(context.Background(), "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil || strings.TrimSpace(out) != "true" {
		return newErr(KindTransient, "attach", ErrNotAttach)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerID = containerID
	if pid > 0 {
		c.pid = pid
	} else {
		c.pid = 1
	}
	return nil
}

// ContainerID returns the docker container ID backing this handle, or
// "" before the first successful run. It implements containerIDer so
// the snapshot writer can record it alongside the pid.
func (c *ContainerProcess) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

// Running implements Executor.
func (c *ContainerProcess) Running() bool {
	c.mu.Lock()
	id, pulling := c.containerID, c.pulling
	c.mu.Unlock()
	if pulling {
		return true // synthetic pid 1 while the pull runs
	}
	if id == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.run(ctx, "inspect", "-f", "{{.State.Running}}", id)
	return err == nil && out == "true"
}

// Fetch implements Executor via `docker logs --since <rfc3339>`.
func (c *ContainerProcess) Fetch(index int, pos Position) ([]byte, Position, *int, error) {
	c.mu.Lock()
	id := c.containerID
	since := c.lastFetch
	exitCode := c.exitCode
	c.mu.Unlock()
	if id == "" {
		return nil, pos, nil, ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	args := []string{"logs"}
	if !since.IsZero() {
		args = append(args, "--since", since.Format(time.RFC3339))
	}
	args = append(args, id)
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, pos, nil, fmt.Errorf("container: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.lastFetch = now
	c.mu.Unlock()

	return []byte(out), Position(now.UnixNano()), exitCode, nil
}

// StartError implements Executor: surfaces the asynchronous pull/run
// failure while a pull was in flight.
func (c *ContainerProcess) StartError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

// dockerOptsFromEnv reads APP_DOCKER_OPTS from the process environment.
func dockerOptsFromEnv() string {
	return os.Getenv("APP_DOCKER_OPTS")
}

// imagePullTimeoutFromEnv reads APPMESH_IMAGE_PULL_TIMEOUT (seconds,
// default 300).
func imagePullTimeoutFromEnv() time.Duration {
	v := os.Getenv("APPMESH_IMAGE_PULL_TIMEOUT")
	if v == "" {
		return defaultImagePullTimeout
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return defaultImagePullTimeout
	}
	return time.Duration(secs) * time.Second
}
