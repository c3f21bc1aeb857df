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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

// SnapshotRecord is one running application's re-attach record: enough
// to verify the process is still the one this daemon started, not a
// recycled pid.
type SnapshotRecord struct {
	Name             string    `json:"name"`
	Pid              int       `json:"pid"`
	ProcessStartTime time.Time `json:"process_start_time"`
	ContainerID      string    `json:"container_id,omitempty"`
}

// SnapshotFile is the on-disk re-attach record (C9). ClusterSessionID
// is carried opaquely: round-tripped byte for byte, never interpreted
// by anything in this package.
type SnapshotFile struct {
	ClusterSessionID string           `json:"cluster_session_id,omitempty"`
	Applications     []SnapshotRecord `json:"applications"`
}

// WriteSnapshot captures every currently-running application in reg
// and writes path atomically (write-temp-then-rename), so a crash
// mid-write never leaves a torn file for the next startup's re-attach
// scan to read.
func WriteSnapshot(path, clusterSessionID string, reg *Registry) error {
	sf := SnapshotFile{ClusterSessionID: clusterSessionID}
	for _, app := range reg.List() {
		app.lock()
		running := app.sub == subRunning && app.currentPid != 0
		rec := SnapshotRecord{
			Name:             app.name,
			Pid:              app.currentPid,
			ProcessStartTime: app.processStartTime,
		}
		if ce, ok := app.exec.(containerIDer); ok {
			rec.ContainerID = ce.ContainerID()
		}
		app.unlock()
		if running {
			sf.Applications = append(sf.Applications, rec)
		}
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// NewSnapshotPersister adapts WriteSnapshot to Supervisor's PersistFunc
// shape. The supervisor's own per-tick Registry.Snapshot() call is
// ignored here: a re-attach record needs the live container ID, which
// only a direct walk of the registry's Executors can provide.
func NewSnapshotPersister(reg *Registry, path, clusterSessionID string) PersistFunc {
	return func(_ []Snapshot) error {
		return WriteSnapshot(path, clusterSessionID, reg)
	}
}

// ReadSnapshot loads path, returning a zero-value SnapshotFile (not an
// error) if it does not exist yet -- the common case on an application's
// very first start.
func ReadSnapshot(path string) (SnapshotFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SnapshotFile{}, nil
	}
	if err != nil {
		return SnapshotFile{}, fmt.Errorf("snapshot: %w", err)
	}
	var sf SnapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return SnapshotFile{}, fmt.Errorf("snapshot: %w", err)
	}
	return sf, nil
}

// Reattach runs once at startup: for every record in sf whose
// application is still registered and not already running, it asks
// newExec to build a fresh Executor and attempts to bind it to the
// recorded pid/container_id. A record that fails verification (pid
// gone, start time mismatch, container gone) is skipped -- the
// application falls through to its normal initial scheduling decision
// instead -- and its error is added to the returned multierror; one
// failed attach never stops the scan partway through.
func Reattach(sf SnapshotFile, reg *Registry, newExec ExecutorFactory) error {
	var errs *multierror.Error
	for _, rec := range sf.Applications {
		app, ok := reg.Get(rec.Name)
		if !ok {
			continue
		}
		app.lock()
		alreadyRunning := app.sub == subRunning
		app.unlock()
		if alreadyRunning {
			continue
		}

		exec := newExec(app)
		if err := exec.Attach(rec.Pid, rec.ProcessStartTime, rec.ContainerID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reattach %q: %w", rec.Name, err))
			continue
		}

		app.lock()
		app.exec = exec
		app.currentPid = rec.Pid
		app.processStartTime = rec.ProcessStartTime
		app.sub = subRunning
		app.status = StatusEnabled
		app.logf("reattached to pid %d", rec.Pid)
		app.unlock()
	}
	return errs.ErrorOrNil()
}
