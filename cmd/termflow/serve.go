package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow"
	"github.com/canopyide/termflow/core"
	"github.com/canopyide/termflow/httpapi"
	"github.com/canopyide/termflow/internal/appconfig"
	"github.com/canopyide/termflow/internal/hostproc"
	"github.com/canopyide/termflow/internal/persist"
	"github.com/canopyide/termflow/schema"
	"github.com/canopyide/termflow/sshserver"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noAPI bool
	var noSSH bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the termflow daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if noAPI && noSSH {
				return errors.New("nothing to serve with both surfaces disabled")
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
				return fmt.Errorf("state dir: %w", err)
			}

			// One serve owns the state dir; the ring shards and host key
			// are not shareable.
			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("state lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("state dir %s is locked by another serve", cfg.StateDir)
			}
			defer func() { _ = lock.Unlock() }()

			profile := resolveProfile(cfg, logger)
			pipeline := toPipelineConfig(cfg, profile)

			engine := hostproc.New(hostproc.Config{
				RingDir:        cfg.RingDir(),
				RingShards:     cfg.Host.RingShards,
				RingShardBytes: cfg.Host.RingShardBytes,
				ReplayBytes:    cfg.Host.ReplayBytes,
				ChunkBytes:     cfg.Host.ChunkBytes,
				PushWindow:     cfg.Host.PushWindowBytes,
				MaxPacketBytes: pipeline.Ingest.MaxPacketBytes,
				ReadBudget:     pipeline.Ingest.ReadByteBudget,
			}, logger)
			defer func() { _ = engine.Close() }()

			serverCfg := termflow.ServerConfig{
				Pipeline: pipeline,
				API: httpapi.Config{
					Addr:     cfg.API.Addr,
					BasePath: cfg.API.BasePath,
				},
				SSH: sshserver.Config{
					Addr:               cfg.SSH.Addr,
					HostKeyPath:        cfg.SSH.HostKeyPath,
					AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
				},
			}
			deps := termflow.ServerDeps{
				ServiceDeps: core.ServiceDeps{Logger: logger},
				Local:       engine,
			}
			var opts []termflow.ServerOption
			if !noAPI {
				opts = append(opts, termflow.WithAPI())
			}
			if !noSSH {
				opts = append(opts, termflow.WithSSH())
			}
			server, err := termflow.New(serverCfg, deps, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if !noAPI {
				logger.Info("api server listening", "addr", cfg.API.Addr)
			}
			if !noSSH {
				logger.Info("ssh server listening", "addr", cfg.SSH.Addr)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "disable the HTTP control and feed API")
	cmd.Flags().BoolVar(&noSSH, "no-ssh", false, "disable the SSH attach server")
	return cmd
}

// toPipelineConfig maps the operator-facing tunables onto the pipeline
// config; everything it leaves zero falls back to the built-in defaults.
func toPipelineConfig(cfg appconfig.Config, profile schema.HostProfile) schema.PipelineConfig {
	var pipeline schema.PipelineConfig
	pipeline.Coalesce.FrameQueueDepth = cfg.Pipeline.FrameQueueDepth
	pipeline.Ingest.TickByteBudget = cfg.Pipeline.TickByteBudget
	pipeline.Ingest.ReadByteBudget = cfg.Pipeline.ReadByteBudget
	pipeline.Resize.SmallScrollback = cfg.Pipeline.SmallScrollback
	pipeline.Resize.ScrollbackCap = cfg.Pipeline.ScrollbackCap
	pipeline.Tier.WakeTimeout = time.Duration(cfg.Pipeline.WakeTimeoutSeconds) * time.Second
	pipeline.Budget.Profile = profile
	return pipeline
}

// resolveProfile picks the budget profile: a pinned class wins, then the
// calibrated profile from the doctor run, then the standard fallback.
func resolveProfile(cfg appconfig.Config, logger pslog.Logger) schema.HostProfile {
	if cfg.Profile.Class != "" && cfg.Profile.Class != "auto" {
		profile := schema.ProfileForClass(schema.ProfileClass(cfg.Profile.Class))
		logger.Info("budget profile pinned", "class", profile.Class)
		return profile
	}
	store, err := persist.NewStoreWithLogger(cfg.Profile.Path, logger)
	if err != nil {
		logger.Warn("profile store unavailable", "err", err)
		return schema.ProfileForClass(schema.ProfileStandard)
	}
	rec, ok, err := store.Load()
	if err != nil || !ok {
		logger.Info("budget profile not calibrated, using standard; run doctor to calibrate")
		return schema.ProfileForClass(schema.ProfileStandard)
	}
	logger.Info("budget profile loaded", "class", rec.Profile.Class,
		"base", rec.Profile.BaseContexts, "max", rec.Profile.MaxContexts,
		"calibrated_at", rec.CalibratedAt.Format(time.RFC3339))
	return rec.Profile
}
