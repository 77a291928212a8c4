// Package persist keeps the calibrated host profile on disk. The
// doctor command writes it after probing the machine; serve reads it at
// startup to size the accelerated context budget.
package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/canopyide/termflow/schema"
)

// ProfileRecord wraps the calibrated profile with provenance.
type ProfileRecord struct {
	Profile      schema.HostProfile `json:"profile"`
	CalibratedAt time.Time          `json:"calibrated_at"`
	Hostname     string             `json:"hostname,omitempty"`
	CPUs         int                `json:"cpus,omitempty"`
}

// Store persists the host profile to a single JSON file.
type Store struct {
	path string
	log  pslog.Logger
}

// NewStore constructs a profile store at the given path.
func NewStore(path string) (*Store, error) {
	return NewStoreWithLogger(path, nil)
}

// NewStoreWithLogger constructs a profile store with logging.
func NewStoreWithLogger(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("profile path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("profile_path", path)
	}
	return &Store{path: path, log: logger}, nil
}

// Path reports where the profile lives.
func (s *Store) Path() string { return s.path }

// Load reads the calibrated profile. A missing file is not an error;
// ok reports whether a profile was found.
func (s *Store) Load() (ProfileRecord, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("profile load miss")
			}
			return ProfileRecord{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("profile load failed", "err", err)
		}
		return ProfileRecord{}, false, err
	}
	var rec ProfileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		if s.log != nil {
			s.log.Warn("profile load failed", "err", err)
		}
		return ProfileRecord{}, false, err
	}
	switch rec.Profile.Class {
	case schema.ProfileHigh, schema.ProfileStandard, schema.ProfileConstrained:
	default:
		if s.log != nil {
			s.log.Warn("profile load failed", "err", "unknown class", "class", rec.Profile.Class)
		}
		return ProfileRecord{}, false, errors.New("unknown profile class")
	}
	if s.log != nil {
		s.log.Debug("profile load ok", "class", rec.Profile.Class,
			"base", rec.Profile.BaseContexts, "max", rec.Profile.MaxContexts)
	}
	return rec, true, nil
}

// Save writes the profile atomically: temp file, sync, rename.
func (s *Store) Save(rec ProfileRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "profile-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		if s.log != nil {
			s.log.Warn("profile save failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("profile save ok", "class", rec.Profile.Class)
	}
	return nil
}
