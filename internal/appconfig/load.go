package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("pipeline.frame_queue_depth", cfg.Pipeline.FrameQueueDepth)
	v.SetDefault("pipeline.tick_byte_budget", cfg.Pipeline.TickByteBudget)
	v.SetDefault("pipeline.read_byte_budget", cfg.Pipeline.ReadByteBudget)
	v.SetDefault("pipeline.scrollback_cap", cfg.Pipeline.ScrollbackCap)
	v.SetDefault("pipeline.small_scrollback", cfg.Pipeline.SmallScrollback)
	v.SetDefault("pipeline.wake_timeout_seconds", cfg.Pipeline.WakeTimeoutSeconds)
	v.SetDefault("host.replay_bytes", cfg.Host.ReplayBytes)
	v.SetDefault("host.chunk_bytes", cfg.Host.ChunkBytes)
	v.SetDefault("host.push_window_bytes", cfg.Host.PushWindowBytes)
	v.SetDefault("host.ring_shards", cfg.Host.RingShards)
	v.SetDefault("host.ring_shard_bytes", cfg.Host.RingShardBytes)
	v.SetDefault("api.addr", cfg.API.Addr)
	v.SetDefault("api.base_path", cfg.API.BasePath)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("profile.path", cfg.Profile.Path)
	v.SetDefault("profile.class", cfg.Profile.Class)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.IsSet("transport.mode") {
			return Config{}, fmt.Errorf("transport.mode is no longer supported; hosts negotiate shared memory or push per link")
		}
		if !v.IsSet("state_dir") {
			return Config{}, fmt.Errorf("state_dir is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("api.addr") {
			return Config{}, fmt.Errorf("api.addr is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("ssh.addr") {
			return Config{}, fmt.Errorf("ssh.addr is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	basePath := strings.TrimSpace(cfg.API.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("api.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("api.base_path must not include query or fragment")
		}
	}
	switch cfg.Profile.Class {
	case "", "auto", "high", "standard", "constrained":
	default:
		return fmt.Errorf("unsupported profile.class %q", cfg.Profile.Class)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
	cfg.Profile.Path = expandEnv(cfg.Profile.Path)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
