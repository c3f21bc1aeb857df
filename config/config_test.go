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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasFallbackValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultSnapshotPath, cfg.SnapshotPath)
	assert.Empty(t, cfg.Applications)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadPlainJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"listen_addr": "0.0.0.0:9000",
		"applications": [
			{"name": "web", "command": "/usr/bin/web-server"}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, DefaultSnapshotPath, cfg.SnapshotPath)
	require.Len(t, cfg.Applications, 1)
	assert.Equal(t, "web", cfg.Applications[0].Name)
}

func TestLoadToleratesComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	body := `{
		// REST listen address
		"listen_addr": "127.0.0.1:9100",
		/* no applications registered at startup in this test */
		"applications": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.ListenAddr)
}

func TestLoadPassesThroughOpaqueSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"security": {"scheme": "basic"}, "consul": {"addr": "127.0.0.1:8500"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scheme":"basic"}`, string(cfg.Security))
	assert.JSONEq(t, `{"addr":"127.0.0.1:8500"}`, string(cfg.Consul))
}
