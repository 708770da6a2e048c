package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUsers_PutAndGet(t *testing.T) {
	store := openTestStore(t)

	u := User{Name: "admin", PasswordHash: "$2a$10$fakehash", Role: "admin"}
	if err := store.PutUser(u); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}

	got, err := store.GetUser("admin")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got != u {
		t.Errorf("got %+v, want %+v", got, u)
	}
}

func TestUsers_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetUser("ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestConfig_SnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	if _, found, err := store.LoadConfig(); err != nil || found {
		t.Fatalf("expected no snapshot initially, found=%v err=%v", found, err)
	}

	settings := map[string]any{"debug": false, "maintenance_mode": true}
	if err := store.SaveConfig(settings, "c2lnbmF0dXJl"); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	snap, found, err := store.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot after save")
	}
	if snap.Signature != "c2lnbmF0dXJl" {
		t.Errorf("unexpected signature %q", snap.Signature)
	}
	if snap.Settings["debug"] != false || snap.Settings["maintenance_mode"] != true {
		t.Errorf("unexpected settings %v", snap.Settings)
	}
}
