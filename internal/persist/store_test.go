package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/canopyide/termflow/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "profile.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing profile")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "profile.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec := ProfileRecord{
		Profile:      schema.ProfileForClass(schema.ProfileConstrained),
		CalibratedAt: time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC),
		Hostname:     "build-box",
		CPUs:         4,
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected profile to exist")
	}
	if !reflect.DeepEqual(rec, got) {
		t.Fatalf("profile mismatch:\nwant: %+v\ngot:  %+v", rec, got)
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load(); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestStoreLoadRejectsUnknownClass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	body := `{"profile":{"class":"turbo","base_contexts":99,"max_contexts":99}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, _, err := store.Load(); err == nil {
		t.Fatalf("expected error for unknown class")
	}
}
