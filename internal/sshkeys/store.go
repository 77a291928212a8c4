package sshkeys

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
)

// Store answers public-key authentication against an authorized_keys file.
// The file is reloaded when it changes on disk, so keys can be added or
// revoked while the daemon runs.
type Store struct {
	path string
	log  pslog.Logger

	mu        sync.RWMutex
	keys      []ssh.PublicKey
	fileState fileState
}

// NewStore opens the authorized_keys file at path. A missing file is
// tolerated; until it appears every key is denied.
func NewStore(path string) (*Store, error) {
	return NewStoreWithLogger(path, nil)
}

// NewStoreWithLogger opens the authorized_keys store with logging.
func NewStoreWithLogger(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("authorized keys path is required")
	}
	if logger != nil {
		logger = logger.With("authorized_keys", path)
	}
	s := &Store{path: path, log: logger}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if s.log != nil {
			s.log.Warn("authorized keys file missing, attach denied until created")
		}
		return s, nil
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the authorized_keys file path.
func (s *Store) Path() string {
	return s.path
}

// Authorized reports whether key appears in the authorized_keys file.
func (s *Store) Authorized(key ssh.PublicKey) bool {
	if key == nil {
		return false
	}
	if err := s.refreshIfNeeded(); err != nil {
		return false
	}
	want := key.Marshal()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, known := range s.keys {
		if bytes.Equal(known.Marshal(), want) {
			return true
		}
	}
	return false
}

// Count returns the number of loaded keys.
func (s *Store) Count() int {
	_ = s.refreshIfNeeded()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.keys = nil
			s.fileState = fileState{}
			s.mu.Unlock()
			return nil
		}
		if s.log != nil {
			s.log.Warn("authorized keys stat failed", "err", err)
		}
		return err
	}
	latest := fileStateFromInfo(info)
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.equal(latest) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("authorized keys load failed", "err", err)
		}
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("authorized keys load failed", "err", err)
		}
		return err
	}
	keys := parseAuthorizedKeys(data, s.log)
	s.mu.Lock()
	s.keys = keys
	s.fileState = fileStateFromInfo(info)
	s.mu.Unlock()
	if s.log != nil {
		s.log.Debug("authorized keys load ok", "keys", len(keys))
	}
	return nil
}

func parseAuthorizedKeys(data []byte, log pslog.Logger) []ssh.PublicKey {
	var keys []ssh.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			if log != nil {
				log.Warn("authorized keys entry skipped", "err", err)
			}
			break
		}
		keys = append(keys, key)
		rest = next
	}
	return keys
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = stat.Ino
		state.dev = stat.Dev
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}
