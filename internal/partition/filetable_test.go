package partition

import (
	"bytes"
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

// testTable creates an image directory with the standard slot layout.
func testTable(t *testing.T) (*FileTable, string) {
	t.Helper()
	dir := t.TempDir()
	for _, label := range []string{"factory", "otadata", "ota_0", "ota_1"} {
		img := make([]byte, 4096)
		for i := range img {
			img[i] = 0xFF
		}
		if err := os.WriteFile(filepath.Join(dir, label+".img"), img, 0o644); err != nil {
			t.Fatalf("seed %s: %v", label, err)
		}
	}
	return NewFileTable(dir, testLogger()), dir
}

func TestLookupFactory(t *testing.T) {
	tbl, _ := testTable(t)

	p, err := tbl.Lookup(KindFactory)
	if err != nil {
		t.Fatalf("Lookup(KindFactory) error: %v", err)
	}
	if p.Label != "factory" {
		t.Errorf("Lookup(KindFactory).Label = %q, want %q", p.Label, "factory")
	}
	if p.Size != 4096 {
		t.Errorf("Lookup(KindFactory).Size = %d, want 4096", p.Size)
	}
}

func TestLookupOTAOrder(t *testing.T) {
	tbl, _ := testTable(t)

	p, err := tbl.Lookup(KindOTA)
	if err != nil {
		t.Fatalf("Lookup(KindOTA) error: %v", err)
	}
	if p.Label != "ota_0" {
		t.Errorf("Lookup(KindOTA).Label = %q, want %q (label order)", p.Label, "ota_0")
	}
}

func TestLookupMissingKind(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "ota_0.img"), make([]byte, 16), 0o644)
	tbl := NewFileTable(dir, testLogger())

	_, err := tbl.Lookup(KindFactory)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(KindFactory) error = %v, want ErrNotFound", err)
	}
}

func TestLookupLabel(t *testing.T) {
	tbl, _ := testTable(t)

	p, err := tbl.LookupLabel("ota_1")
	if err != nil {
		t.Fatalf("LookupLabel(ota_1) error: %v", err)
	}
	if p.Kind != KindOTA {
		t.Errorf("LookupLabel(ota_1).Kind = %v, want KindOTA", p.Kind)
	}
}

func TestLookupLabelMissing(t *testing.T) {
	tbl, _ := testTable(t)

	_, err := tbl.LookupLabel("ota_2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupLabel(ota_2) error = %v, want ErrNotFound", err)
	}
}

func TestRunning(t *testing.T) {
	tbl, dir := testTable(t)

	os.WriteFile(filepath.Join(dir, "running"), []byte("ota_0\n"), 0o644)

	p, err := tbl.Running()
	if err != nil {
		t.Fatalf("Running() error: %v", err)
	}
	if p.Label != "ota_0" {
		t.Errorf("Running().Label = %q, want %q", p.Label, "ota_0")
	}
}

func TestRunningMissing(t *testing.T) {
	tbl, _ := testTable(t)

	_, err := tbl.Running()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Running() without running file error = %v, want ErrNotFound", err)
	}
}

func TestSetBoot(t *testing.T) {
	tbl, dir := testTable(t)

	p, _ := tbl.LookupLabel("factory")
	if err := tbl.SetBoot(p); err != nil {
		t.Fatalf("SetBoot() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "boot_target"))
	if err != nil {
		t.Fatalf("read boot_target: %v", err)
	}
	if string(data) != "factory\n" {
		t.Errorf("boot_target = %q, want %q", data, "factory\n")
	}
}

func TestEraseRange(t *testing.T) {
	tbl, dir := testTable(t)

	p, _ := tbl.LookupLabel("ota_0")
	if err := tbl.Erase(p, 100, 200); err != nil {
		t.Fatalf("Erase() error: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "ota_0.img"))
	if !bytes.Equal(data[100:300], make([]byte, 200)) {
		t.Error("erased range is not zero-filled")
	}
	if data[99] != 0xFF || data[300] != 0xFF {
		t.Error("bytes outside the erased range were modified")
	}
}

func TestEraseWholePartition(t *testing.T) {
	tbl, dir := testTable(t)

	p, _ := tbl.LookupLabel("otadata")
	if err := tbl.Erase(p, 0, 0); err != nil {
		t.Fatalf("Erase() full error: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "otadata.img"))
	if !bytes.Equal(data, make([]byte, 4096)) {
		t.Error("full erase left nonzero bytes")
	}
}

func TestEraseOutOfRange(t *testing.T) {
	tbl, _ := testTable(t)

	p, _ := tbl.LookupLabel("ota_0")
	if err := tbl.Erase(p, 4000, 200); err == nil {
		t.Error("Erase() past end of image should error")
	}
	if err := tbl.Erase(p, -1, 10); err == nil {
		t.Error("Erase() with negative offset should error")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		label string
		want  Kind
	}{
		{"factory", KindFactory},
		{"otadata", KindOTASelector},
		{"ota_0", KindOTA},
		{"ota_2", KindOTA},
		{"nvs", KindUnknown},
	}
	for _, tt := range tests {
		if got := kindOf(tt.label); got != tt.want {
			t.Errorf("kindOf(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}
