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

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	appmesh "github.com/appmeshio/appmeshd"
	"github.com/appmeshio/appmeshd/cgroup"
	"github.com/appmeshio/appmeshd/config"
	"github.com/appmeshio/appmeshd/rest"
	"github.com/appmeshio/appmeshd/secretenv"

	"github.com/spf13/cobra"
)

var (
	flagConfig      string
	flagListen      string
	flagName        string
	flagDockerOpts  string
	flagPullTimeout time.Duration
	flagCgroupSlice string
	flagIdentity    string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "configuration file (JSON, comments allowed)")
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "REST listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "appmeshd", "registry name")
	rootCmd.PersistentFlags().StringVar(&flagDockerOpts, "docker-opts", "", "extra flags spliced into docker run")
	rootCmd.PersistentFlags().DurationVar(&flagPullTimeout, "image-pull-timeout", 0, "container image pull timeout (0 = default)")
	rootCmd.PersistentFlags().StringVar(&flagCgroupSlice, "cgroup-slice", "appmeshd.slice", "parent cgroup slice for resource limits")
	rootCmd.PersistentFlags().StringVar(&flagIdentity, "identity", "", "path to a persisted age identity for secure_environment (generated if absent)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appmeshd",
	Short: "host-local application lifecycle supervisor daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "load the configuration and run the daemon in the foreground",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("appmeshd: version info not available")
			return
		}
		fmt.Printf("appmeshd: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}

	keyring, err := loadOrCreateKeyring(flagIdentity)
	if err != nil {
		return fmt.Errorf("appmeshd: %w", err)
	}

	limiter := cgroup.NewLimiter(flagCgroupSlice)

	newExec := func(app *appmesh.Application) appmesh.Executor {
		app.SetDecryptor(keyring)
		if app.DockerImage() != "" {
			return appmesh.NewContainerProcess(flagDockerOpts, flagPullTimeout)
		}
		return appmesh.NewNativeProcess(limiter)
	}

	var reg *appmesh.Registry
	reg = appmesh.NewRegistry(flagName,
		appmesh.WithFlushFunc(func(string) { persistConfig(reg, cfg) }),
	)

	cs := appmesh.NewControlSurface(reg, newExec)

	for _, spec := range cfg.Applications {
		if _, err := cs.Register("config", spec, false); err != nil {
			log.Printf("appmeshd: failed to register %q from config: %v", spec.Name, err)
		}
	}

	if sf, err := appmesh.ReadSnapshot(cfg.SnapshotPath); err != nil {
		log.Printf("appmeshd: snapshot read failed: %v", err)
	} else if err := appmesh.Reattach(sf, reg, newExec); err != nil {
		log.Printf("appmeshd: re-attach: %v", err)
	}

	sup := appmesh.NewSupervisor(reg, newExec,
		appmesh.WithPersistFunc(appmesh.NewSnapshotPersister(reg, cfg.SnapshotPath, cfg.ClusterSessionID)),
	)
	sup.Start()

	handler := rest.NewHandler(cs)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("*** appmeshd listening on %s ***", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("appmeshd: REST listener failed: %v", err)
		}
	case <-sigs:
		log.Print("*** appmeshd shutting down ***")
	}

	sup.Stop()
	_ = appmesh.WriteSnapshot(cfg.SnapshotPath, cfg.ClusterSessionID, reg)
	reg.Shutdown()
	return nil
}

// loadOrCreateKeyring loads the daemon's secure_environment identity
// from path, generating and persisting a fresh one if path is empty or
// does not exist yet.
func loadOrCreateKeyring(path string) (*secretenv.Keyring, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return secretenv.KeyringFromIdentity(string(data))
		}
	}
	kr, err := secretenv.NewKeyring()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(kr.IdentityString()), 0o600); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// persistConfig rewrites the configuration file's Applications array
// to reflect the registry's current membership, excluding ephemeral
// run_async/run_sync applications. Triggered asynchronously by
// Registry's FlushFunc after any durable mutation. Errors are logged,
// never fatal -- the in-memory registry remains the source of truth
// until the next successful flush.
func persistConfig(reg *appmesh.Registry, cfg *config.Config) {
	if flagConfig == "" {
		return
	}
	specs := make([]appmesh.AppSpec, 0, len(reg.List()))
	for _, app := range reg.List() {
		snap := app.Snapshot()
		if snap.Ephemeral {
			continue
		}
		specs = append(specs, snap.Spec)
	}
	cfg.Applications = specs
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Printf("appmeshd: config marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(flagConfig, data, 0o644); err != nil {
		log.Printf("appmeshd: config flush failed: %v", err)
	}
}
