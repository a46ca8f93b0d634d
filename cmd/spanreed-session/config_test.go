package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runConfigCheck(t *testing.T, args ...string) (string, error) {
	cmd := configCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"check"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCheckDefaults(t *testing.T) {
	t.Setenv("SPANREED_CONFIG", "")

	out, err := runConfigCheck(t)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, `disconnection_timeout = "10s"`) || !strings.Contains(out, "rtt_max_value_ms      = 250") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigCheckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(path, []byte("heartbeat_interval = \"2s\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runConfigCheck(t, path)
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out, `heartbeat_interval    = "2s"`) {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	os.WriteFile(path, []byte("heartbeat_interval = \"30s\"\n"), 0o644)

	if _, err := runConfigCheck(t, path); err == nil {
		t.Fatalf("expected heartbeat longer than timeout to be rejected")
	}
}
