package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// payloadLine extracts the payload value from setup-qr output.
func payloadLine(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Payload:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Payload:"))
		}
	}
	t.Fatalf("no payload line in output:\n%s", out)
	return ""
}

func TestRunSetupQR_PrintsPayload(t *testing.T) {
	cfgPath := writeTestConfig(t, "device:\n  setup_code: 031-45-154\n")
	var buf bytes.Buffer

	if err := runSetupQR(&buf, cfgPath, nil); err != nil {
		t.Fatalf("runSetupQR failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Setup code: 031-45-154") {
		t.Errorf("output missing formatted setup code:\n%s", out)
	}
	if !strings.HasPrefix(payloadLine(t, out), "X-HM://") {
		t.Errorf("payload = %q, want X-HM:// prefix", payloadLine(t, out))
	}
}

func TestRunSetupQR_StablePayload(t *testing.T) {
	cfgPath := writeTestConfig(t, "device:\n  setup_code: 031-45-154\n")

	var first, second bytes.Buffer
	if err := runSetupQR(&first, cfgPath, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := runSetupQR(&second, cfgPath, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	// The setup ID persists in the store, so the payload must not
	// change between invocations.
	if got, want := payloadLine(t, second.String()), payloadLine(t, first.String()); got != want {
		t.Errorf("payload changed across runs: %q then %q", want, got)
	}
}

func TestRunSetupQR_WritesPNG(t *testing.T) {
	cfgPath := writeTestConfig(t, "device:\n  setup_code: 031-45-154\n")
	pngPath := filepath.Join(t.TempDir(), "setup.png")
	var buf bytes.Buffer

	if err := runSetupQR(&buf, cfgPath, []string{pngPath}); err != nil {
		t.Fatalf("runSetupQR failed: %v", err)
	}

	info, err := os.Stat(pngPath)
	if err != nil {
		t.Fatalf("png not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("png is empty")
	}
	if !strings.Contains(buf.String(), pngPath) {
		t.Errorf("output does not mention %s", pngPath)
	}
}

func TestRunSetupQR_RequiresCode(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	var buf bytes.Buffer

	err := runSetupQR(&buf, cfgPath, nil)
	if err == nil {
		t.Fatal("expected error without setup_code, got nil")
	}
	if !strings.Contains(err.Error(), "setup_code") {
		t.Errorf("error = %q, want it to mention setup_code", err)
	}
}

func TestRunSetupQR_RejectsTrivialCode(t *testing.T) {
	cfgPath := writeTestConfig(t, "device:\n  setup_code: 123-45-678\n")
	var buf bytes.Buffer

	if err := runSetupQR(&buf, cfgPath, nil); err == nil {
		t.Fatal("expected error for trivial setup code, got nil")
	}
}
