package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testAuthorizedKey(t *testing.T) (ssh.PublicKey, []byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh public key: %v", err)
	}
	return sshPub, ssh.MarshalAuthorizedKey(sshPub)
}

func TestEnsureHostKeyGeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "host_key")

	first, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("ensure host key: %v", err)
	}
	if got := first.PublicKey().Type(); got != "ssh-ed25519" {
		t.Fatalf("expected ed25519 host key, got %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat host key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 host key, got %o", perm)
	}

	second, err := EnsureHostKey(path)
	if err != nil {
		t.Fatalf("reload host key: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Fatalf("host key changed across loads")
	}
}

func TestEnsureHostKeyRequiresPath(t *testing.T) {
	if _, err := EnsureHostKey(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestStoreAuthorizesKnownKeys(t *testing.T) {
	known, line := testAuthorizedKey(t)
	stranger, _ := testAuthorizedKey(t)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, line, 0o600); err != nil {
		t.Fatalf("write authorized_keys: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 key, got %d", store.Count())
	}
	if !store.Authorized(known) {
		t.Fatalf("expected known key to be authorized")
	}
	if store.Authorized(stranger) {
		t.Fatalf("expected stranger to be denied")
	}
	if store.Authorized(nil) {
		t.Fatalf("expected nil key to be denied")
	}
}

func TestStoreMissingFileDeniesUntilCreated(t *testing.T) {
	key, line := testAuthorizedKey(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Authorized(key) {
		t.Fatalf("expected denial while file is missing")
	}

	if err := os.WriteFile(path, line, 0o600); err != nil {
		t.Fatalf("write authorized_keys: %v", err)
	}
	if !store.Authorized(key) {
		t.Fatalf("expected key to be picked up once file exists")
	}
}

func TestStoreReloadsOnChange(t *testing.T) {
	first, firstLine := testAuthorizedKey(t)
	second, secondLine := testAuthorizedKey(t)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, firstLine, 0o600); err != nil {
		t.Fatalf("write authorized_keys: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Authorized(second) {
		t.Fatalf("expected second key to be denied before it is added")
	}

	combined := append(append([]byte{}, firstLine...), secondLine...)
	if err := os.WriteFile(path, combined, 0o600); err != nil {
		t.Fatalf("rewrite authorized_keys: %v", err)
	}
	if !store.Authorized(first) || !store.Authorized(second) {
		t.Fatalf("expected both keys after rewrite")
	}

	if err := os.WriteFile(path, secondLine, 0o600); err != nil {
		t.Fatalf("truncate authorized_keys: %v", err)
	}
	if store.Authorized(first) {
		t.Fatalf("expected first key to be revoked")
	}
	if !store.Authorized(second) {
		t.Fatalf("expected second key to survive revocation")
	}
}

func TestStoreSkipsUnparseableTail(t *testing.T) {
	key, line := testAuthorizedKey(t)
	content := append([]byte("# viewer keys\n"), line...)
	content = append(content, []byte("not a key line\n")...)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write authorized_keys: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if !store.Authorized(key) {
		t.Fatalf("expected key despite junk tail")
	}
}
