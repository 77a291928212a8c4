package appconfig

import (
	"os"
	"path/filepath"

	"github.com/canopyide/termflow/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Pipeline      PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Host          HostConfig     `mapstructure:"host" yaml:"host"`
	API           APIConfig      `mapstructure:"api" yaml:"api"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Profile       ProfileConfig  `mapstructure:"profile" yaml:"profile"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 2

// PipelineConfig exposes the operator-facing pipeline tunables. Zero
// values fall back to the built-in defaults at normalization time.
type PipelineConfig struct {
	FrameQueueDepth    int `mapstructure:"frame_queue_depth" yaml:"frame_queue_depth"`
	TickByteBudget     int `mapstructure:"tick_byte_budget" yaml:"tick_byte_budget"`
	ReadByteBudget     int `mapstructure:"read_byte_budget" yaml:"read_byte_budget"`
	ScrollbackCap      int `mapstructure:"scrollback_cap" yaml:"scrollback_cap"`
	SmallScrollback    int `mapstructure:"small_scrollback" yaml:"small_scrollback"`
	WakeTimeoutSeconds int `mapstructure:"wake_timeout_seconds" yaml:"wake_timeout_seconds"`
}

// HostConfig bounds the in-process session host.
type HostConfig struct {
	ReplayBytes     int `mapstructure:"replay_bytes" yaml:"replay_bytes"`
	ChunkBytes      int `mapstructure:"chunk_bytes" yaml:"chunk_bytes"`
	PushWindowBytes int `mapstructure:"push_window_bytes" yaml:"push_window_bytes"`
	RingShards      int `mapstructure:"ring_shards" yaml:"ring_shards"`
	RingShardBytes  int `mapstructure:"ring_shard_bytes" yaml:"ring_shard_bytes"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// SSHConfig configures the SSH attach server.
type SSHConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// ProfileConfig locates the calibrated host profile and allows pinning
// the class.
type ProfileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Class overrides calibration: auto, high, standard or constrained.
	Class string `mapstructure:"class" yaml:"class"`
}

// RingDir is where the serve daemon creates shared-memory ring shards.
func (c Config) RingDir() string {
	return filepath.Join(c.StateDir, "ring")
}

// LockPath is the serve daemon's exclusive state lock.
func (c Config) LockPath() string {
	return filepath.Join(c.StateDir, "termflow.lock")
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".termflow")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Pipeline: PipelineConfig{
			FrameQueueDepth:    schema.DefaultFrameQueueDepth,
			TickByteBudget:     schema.DefaultTickByteBudget,
			ReadByteBudget:     schema.DefaultReadByteBudget,
			ScrollbackCap:      schema.DefaultScrollbackCap,
			SmallScrollback:    schema.DefaultSmallScrollback,
			WakeTimeoutSeconds: int(schema.DefaultWakeTimeout.Seconds()),
		},
		Host: HostConfig{
			ReplayBytes:     256 * 1024,
			ChunkBytes:      32 * 1024,
			PushWindowBytes: 1 << 20,
			RingShards:      4,
			RingShardBytes:  256 * 1024,
		},
		API: APIConfig{
			Addr:     ":27430",
			BasePath: "",
		},
		SSH: SSHConfig{
			Addr:               ":27422",
			HostKeyPath:        filepath.Join(base, "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(base, "authorized_keys"),
		},
		Profile: ProfileConfig{
			Path:  filepath.Join(base, "state", "profile.json"),
			Class: "auto",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termflow", "config.yaml"), nil
}
