package kvstore

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStore creates a store backed by a temp file, cleaned up with the test.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.Get("wifi_cfg", "wifi_ssid")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing key error = %v, want ErrNotFound", err)
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)

	if err := s.Set("wifi_cfg", "wifi_ssid", "hallway"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, err := s.Get("wifi_cfg", "wifi_ssid")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "hallway" {
		t.Errorf("Get() = %q, want %q", got, "hallway")
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	s.Set("fwcfg", "installed_ver", "1.0.0")
	if err := s.Set("fwcfg", "installed_ver", "1.1.0"); err != nil {
		t.Fatalf("Set() upsert error: %v", err)
	}

	got, err := s.Get("fwcfg", "installed_ver")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "1.1.0" {
		t.Errorf("Get() after upsert = %q, want %q", got, "1.1.0")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	s.Set("wifi_cfg", "wifi_password", "hunter2")
	if err := s.Delete("wifi_cfg", "wifi_password"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if _, err := s.Get("wifi_cfg", "wifi_password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s := testStore(t)

	if err := s.Delete("wifi_cfg", "never_set"); err != nil {
		t.Errorf("Delete() of missing key error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	s.Set("lcm", "restart_count", "3")
	s.Set("fwcfg", "restart_count", "unrelated")

	got, err := s.Get("lcm", "restart_count")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "3" {
		t.Errorf("Get(lcm) = %q, want %q", got, "3")
	}

	s.Delete("lcm", "restart_count")
	if got, _ := s.Get("fwcfg", "restart_count"); got != "unrelated" {
		t.Errorf("delete in lcm affected fwcfg: got %q", got)
	}
}

func TestUint32RoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.SetUint32("lcm", "restart_count", 4294967295); err != nil {
		t.Fatalf("SetUint32() error: %v", err)
	}
	got, err := s.GetUint32("lcm", "restart_count")
	if err != nil {
		t.Fatalf("GetUint32() error: %v", err)
	}
	if got != 4294967295 {
		t.Errorf("GetUint32() = %d, want 4294967295", got)
	}
}

func TestGetUint32Missing(t *testing.T) {
	s := testStore(t)

	_, err := s.GetUint32("lcm", "restart_count")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUint32() missing error = %v, want ErrNotFound", err)
	}
}

func TestGetUint32Malformed(t *testing.T) {
	s := testStore(t)

	s.Set("lcm", "restart_count", "three")
	_, err := s.GetUint32("lcm", "restart_count")
	if err == nil {
		t.Fatal("GetUint32() on non-numeric value should error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("parse failure should not read as ErrNotFound")
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	s.Set("wifi_cfg", "wifi_ssid", "hallway")
	s.Set("wifi_cfg", "wifi_password", "hunter2")
	s.Set("lcm", "restart_count", "1")

	got, err := s.List("wifi_cfg")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(got))
	}
	if got["wifi_ssid"] != "hallway" {
		t.Errorf("List()[wifi_ssid] = %q, want %q", got["wifi_ssid"], "hallway")
	}
}

func TestListEmpty(t *testing.T) {
	s := testStore(t)

	got, err := s.List("empty_ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got == nil {
		t.Fatal("List() of empty namespace should return non-nil map")
	}
	if len(got) != 0 {
		t.Errorf("List() returned %d entries, want 0", len(got))
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := testStore(t)

	s.Set("fwcfg", "installed_ver", "1.0.0")
	s.Set("fwcfg", "channel", "stable")
	s.Set("lcm", "restart_count", "2")

	if err := s.DeleteNamespace("fwcfg"); err != nil {
		t.Fatalf("DeleteNamespace() error: %v", err)
	}

	got, _ := s.List("fwcfg")
	if len(got) != 0 {
		t.Errorf("fwcfg has %d entries after DeleteNamespace, want 0", len(got))
	}
	if v, _ := s.Get("lcm", "restart_count"); v != "2" {
		t.Errorf("lcm/restart_count = %q after clearing fwcfg, want %q", v, "2")
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	s.Set("lcm", "restart_count", "7")
	s.Close()

	s2, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New() reopen error: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get("lcm", "restart_count")
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if got != "7" {
		t.Errorf("Get() after reopen = %q, want %q", got, "7")
	}
}

func TestNew_RecoversCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New() on corrupt file error: %v", err)
	}
	defer s.Close()

	// The recovered store starts empty and accepts writes.
	if _, err := s.Get("lcm", "restart_count"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on recovered store error = %v, want ErrNotFound", err)
	}
	if err := s.Set("lcm", "restart_count", "1"); err != nil {
		t.Errorf("Set() on recovered store error: %v", err)
	}
}

func TestNew_UnusablePathFails(t *testing.T) {
	_, err := New("/nonexistent/dir/state.db", testLogger())
	if err == nil {
		t.Fatal("New() with unusable path should error")
	}
}

func TestWipe(t *testing.T) {
	s := testStore(t)

	s.Set("wifi_cfg", "wifi_ssid", "hallway")
	s.Set("pairing", "accessory_id", "abc")

	if err := s.Wipe(); err != nil {
		t.Fatalf("Wipe() error: %v", err)
	}

	for _, ns := range []string{"wifi_cfg", "pairing"} {
		got, err := s.List(ns)
		if err != nil {
			t.Fatalf("List(%s) after wipe error: %v", ns, err)
		}
		if len(got) != 0 {
			t.Errorf("List(%s) after wipe returned %d entries, want 0", ns, len(got))
		}
	}

	// The store stays usable after a wipe.
	if err := s.Set("wifi_cfg", "wifi_ssid", "new"); err != nil {
		t.Errorf("Set() after wipe error: %v", err)
	}
}
