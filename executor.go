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

// ResourceLimits bounds a launched process's memory and CPU shares.
// Zero fields mean "unset" (no limit applied for that dimension).
type ResourceLimits struct {
	MemoryMB         int
	MemoryPlusSwapMB int
	CPUShares        int
}

// ExecRequest gathers the launch parameters common to both the native
// and container executor backends.
type ExecRequest struct {
	Name              string
	Command           string
	ShellMode         bool
	WorkingDir        string
	Environment       []EnvVar
	SecureEnvironment []EnvVar // values are age-encrypted ciphertext; decrypted only inside Spawn
	Decryptor         SecureDecryptor
	ExecutionUser     string
	DockerImage       string // non-empty selects the container backend
	Limits            ResourceLimits
	HealthCheckCmd    string
	StdinBlob         []byte
	Ring              *OutputRing
}

// EnvVar is an ordered key/value pair, preserving the "ordered mapping"
// requirement on Application.Environment / SecureEnvironment.
type EnvVar struct {
	Name  string
	Value string
}

// SecureDecryptor decrypts a secure_environment ciphertext value. It is
// supplied by secretenv.Keyring and invoked only at launch time — a
// decrypted value never lands anywhere but a child process's
// environment.
type SecureDecryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Executor is the shared contract implemented by the native process
// executor and the container executor: spawn, signal, kill-group, wait,
// attach, running, fetch. process.go and container.go each provide one
// handle type satisfying this interface; Application holds on to
// whichever its DockerImage field selects.
type Executor interface {
	// Spawn launches the process described by req and returns its pid.
	Spawn(req ExecRequest) (pid int, err error)

	// Signal best-effort delivers sig to the tracked process.
	Signal(sig int) error

	// KillGroup sends SIGTERM, waits up to timeout, then SIGKILL.
	KillGroup(timeout time.Duration) error

	// Wait blocks (with timeout) for the process to exit, reaping it.
	// ok is false if the timeout elapsed before exit.
	Wait(timeout time.Duration) (code int, ok bool)

	// Attach rebinds to a surviving process, verifying pid + start time.
	// containerID is ignored by the native backend and required by the
	// container backend, which has no kernel start-time to check and
	// instead trusts the container ID recorded in the snapshot.
	Attach(pid int, startTime time.Time, containerID string) error

	// Running reports liveness without reaping.
	Running() bool

	// Fetch returns captured output: the native backend reads its
	// OutputRing, the container backend reads `docker logs`.
	Fetch(index int, pos Position) ([]byte, Position, *int, error)

	// StartError returns the most recent asynchronous launch error, if
	// any (used by the container backend while an image pull is in
	// flight).
	StartError() error
}

// containerIDer is optionally implemented by an Executor backed by a
// container runtime, so the snapshot writer can record the container
// ID alongside the pid without the core depending on container.go
// directly.
type containerIDer interface {
	ContainerID() string
}
