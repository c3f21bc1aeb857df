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

// Package config loads the daemon's main configuration file: a JSON
// document (comments and trailing commas tolerated) whose only field
// the core interprets is Applications; everything under rest,
// security, and consul is carried opaquely for the collaborators that
// actually own those concerns.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/appmeshio/appmeshd"
	"github.com/tidwall/jsonc"
)

const (
	// DefaultListenAddr is the REST binding's fallback address.
	DefaultListenAddr = "127.0.0.1:8321"

	// DefaultSnapshotPath is where the re-attach record is written
	// between restarts absent an explicit snapshot_path.
	DefaultSnapshotPath = "/var/lib/appmeshd/snapshot.json"
)

// Config is the top-level shape of the main configuration file.
type Config struct {
	// Applications lists every application to register at startup, in
	// the same wire shape register() accepts.
	Applications []appmesh.AppSpec `json:"applications"`

	// ListenAddr is the REST binding's listen address.
	ListenAddr string `json:"listen_addr,omitempty"`

	// SnapshotPath is where the re-attach record is written and read.
	SnapshotPath string `json:"snapshot_path,omitempty"`

	// ClusterSessionID is carried into the snapshot file verbatim and
	// is otherwise uninterpreted by this package.
	ClusterSessionID string `json:"cluster_session_id,omitempty"`

	// Rest, Security, and Consul are passed through unparsed: they
	// belong to the transport binding, the authentication/authorization
	// wiring, and the external service-discovery collaborator
	// respectively, none of which this package knows the shape of.
	Rest     json.RawMessage `json:"rest,omitempty"`
	Security json.RawMessage `json:"security,omitempty"`
	Consul   json.RawMessage `json:"consul,omitempty"`
}

// Default returns a Config with every field defaulted and no
// applications, used when no config file path is given.
func Default() *Config {
	return &Config{
		ListenAddr:   DefaultListenAddr,
		SnapshotPath: DefaultSnapshotPath,
	}
}

// Load reads and parses the configuration file at path. Comments
// (// and /* */) and trailing commas are tolerated via jsonc.ToJSON,
// which is a no-op on plain JSON, so either form works unchanged.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(raw), cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = DefaultSnapshotPath
	}
	return cfg, nil
}
