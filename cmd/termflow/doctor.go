package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/internal/appconfig"
	"github.com/canopyide/termflow/internal/format"
	"github.com/canopyide/termflow/internal/persist"
	"github.com/canopyide/termflow/internal/shmring"
	"github.com/canopyide/termflow/internal/sshkeys"
	"github.com/canopyide/termflow/schema"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var pinClass string
	var skipCalibrate bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run termflow diagnostics and calibrate the context budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			if err := probeStateDir(cfg, logger); err != nil {
				return err
			}
			probeStateLock(cfg, logger)
			if err := probeRing(cfg, logger); err != nil {
				return err
			}
			if err := probeSSH(cfg, logger); err != nil {
				return err
			}
			if !skipCalibrate {
				if err := calibrateProfile(cfg, pinClass, logger); err != nil {
					return err
				}
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&pinClass, "class", "", "pin the profile class instead of measuring (high, standard, constrained)")
	cmd.Flags().BoolVar(&skipCalibrate, "skip-calibrate", false, "run the probes without writing a profile")
	return cmd
}

func probeStateDir(cfg appconfig.Config, logger pslog.Logger) error {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("doctor state dir: %w", err)
	}
	probe := filepath.Join(cfg.StateDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("doctor state dir not writable: %w", err)
	}
	_ = os.Remove(probe)
	logger.Info("doctor state dir ok", "path", cfg.StateDir)
	return nil
}

// probeStateLock reports whether a serve currently owns the state dir.
// Either outcome is healthy.
func probeStateLock(cfg appconfig.Config, logger pslog.Logger) {
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		logger.Warn("doctor state lock probe failed", "err", err)
		return
	}
	if !locked {
		logger.Info("doctor state lock held, a serve is running")
		return
	}
	_ = lock.Unlock()
	logger.Info("doctor state lock ok")
}

// probeRing round-trips a payload through a throwaway shared memory
// ring, exercising the same mmap path serve uses.
func probeRing(cfg appconfig.Config, logger pslog.Logger) error {
	dir, err := os.MkdirTemp(cfg.StateDir, "doctor-ring-")
	if err != nil {
		return fmt.Errorf("doctor ring dir: %w", err)
	}
	writer, err := shmring.CreateRing(dir, 2, 1<<16)
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("doctor ring create: %w", err)
	}
	defer func() {
		_ = writer.Close()
		_ = writer.Remove()
	}()

	payload := []byte("termflow doctor ring probe")
	ok, err := writer.Shard(0).Write(payload)
	if err != nil {
		return fmt.Errorf("doctor ring write: %w", err)
	}
	if !ok {
		return fmt.Errorf("doctor ring write dropped")
	}

	reader, err := shmring.OpenRing(dir)
	if err != nil {
		return fmt.Errorf("doctor ring open: %w", err)
	}
	defer func() { _ = reader.Close() }()

	dst := make([]byte, len(payload)+16)
	n := reader.Shard(0).Read(dst)
	if !bytes.Equal(dst[:n], payload) {
		return fmt.Errorf("doctor ring read mismatch: got %d bytes", n)
	}
	logger.Info("doctor shared memory ring ok",
		"shards", writer.Shards(), "shard_capacity", format.Bytes(int64(writer.Shard(0).Capacity())))
	return nil
}

func probeSSH(cfg appconfig.Config, logger pslog.Logger) error {
	signer, err := sshkeys.EnsureHostKeyWithLogger(cfg.SSH.HostKeyPath, logger)
	if err != nil {
		return fmt.Errorf("doctor ssh host key: %w", err)
	}
	logger.Info("doctor ssh host key ok", "type", signer.PublicKey().Type(), "path", cfg.SSH.HostKeyPath)

	store, err := sshkeys.NewStoreWithLogger(cfg.SSH.AuthorizedKeysPath, logger)
	if err != nil {
		return fmt.Errorf("doctor authorized keys: %w", err)
	}
	if count := store.Count(); count == 0 {
		logger.Warn("doctor authorized keys empty, ssh attach will deny everyone",
			"path", cfg.SSH.AuthorizedKeysPath)
	} else {
		logger.Info("doctor authorized keys ok", "keys", count)
	}
	return nil
}

// calibrateProfile measures the host, buckets it into a profile class,
// and persists the result for serve to pick up.
func calibrateProfile(cfg appconfig.Config, pinClass string, logger pslog.Logger) error {
	cpus := runtime.NumCPU()
	ram, err := totalRAM()
	if err != nil {
		logger.Warn("doctor memory probe failed", "err", err)
	}

	var class schema.ProfileClass
	if strings.TrimSpace(pinClass) != "" {
		class = schema.ProfileClass(pinClass)
		switch class {
		case schema.ProfileHigh, schema.ProfileStandard, schema.ProfileConstrained:
		default:
			return fmt.Errorf("unknown profile class %q", pinClass)
		}
		logger.Info("doctor profile pinned", "class", class)
	} else {
		class = profileClassFor(cpus, ram)
	}
	profile := schema.ProfileForClass(class)

	hostname, _ := os.Hostname()
	store, err := persist.NewStoreWithLogger(cfg.Profile.Path, logger)
	if err != nil {
		return fmt.Errorf("doctor profile store: %w", err)
	}
	rec := persist.ProfileRecord{
		Profile:      profile,
		CalibratedAt: time.Now().UTC(),
		Hostname:     hostname,
		CPUs:         cpus,
	}
	if err := store.Save(rec); err != nil {
		return fmt.Errorf("doctor profile save: %w", err)
	}
	logger.Info("doctor profile calibrated",
		"class", profile.Class, "base", profile.BaseContexts, "max", profile.MaxContexts,
		"cpus", cpus, "memory", format.Bytes(int64(ram)))
	return nil
}

// profileClassFor buckets the host by CPU count and physical memory.
// Constrained trips on either axis; high needs headroom on both.
func profileClassFor(cpus int, ramBytes uint64) schema.ProfileClass {
	const gib = uint64(1) << 30
	switch {
	case cpus <= 4 || ramBytes <= 4*gib:
		return schema.ProfileConstrained
	case cpus >= 16 && ramBytes >= 16*gib:
		return schema.ProfileHigh
	default:
		return schema.ProfileStandard
	}
}

func totalRAM() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
