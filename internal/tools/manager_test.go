package tools

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"autoalign/internal/align"
	"autoalign/internal/config"
)

func TestCheckToolProbesVersion(t *testing.T) {
	dir := t.TempDir()
	createExecutable(t, dir, "source-extractor", "echo 'SExtractor version 2.28.0 (2023-03-08)'\n")
	t.Setenv("PATH", dir)

	m := NewManager(config.Default())
	st := m.CheckTool("source-extractor")
	if !st.Available {
		t.Fatalf("expected tool available: %v", st.Error)
	}
	if st.Version != "SExtractor version 2.28.0 (2023-03-08)" {
		t.Fatalf("version = %q", st.Version)
	}
	if st.Path != filepath.Join(dir, "source-extractor") {
		t.Fatalf("path = %q", st.Path)
	}
}

func TestCheckToolMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	st := NewManager(config.Default()).CheckTool("sex")
	if st.Available || st.Error == nil {
		t.Fatalf("expected unavailable tool, got %+v", st)
	}
}

func TestDetectionToolFallsBack(t *testing.T) {
	dir := t.TempDir()
	createExecutable(t, dir, "sex", "echo 'SExtractor version 2.19.5'\n")
	t.Setenv("PATH", dir)

	name, err := NewManager(config.Default()).DetectionTool()
	if err != nil {
		t.Fatalf("DetectionTool: %v", err)
	}
	if name != "sex" {
		t.Fatalf("picked %q", name)
	}
}

func TestDetectionToolMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := NewManager(config.Default()).DetectionTool()
	if !errors.Is(err, align.ErrDetectionToolMissing) {
		t.Fatalf("expected ErrDetectionToolMissing, got %v", err)
	}
}

func TestGetToolStatusGroups(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"xpaset", "xpaaccess", "hexapod"} {
		createExecutable(t, dir, name, "exit 0\n")
	}
	t.Setenv("PATH", dir)

	cfg := config.Default()
	cfg.Instruments.Focuser.Command = []string{"hexapod", "{axis}"}
	status := NewManager(cfg).GetToolStatus()

	if !status["display"]["xpaset"].Available {
		t.Fatalf("expected xpaset available")
	}
	if status["display"]["ds9"].Available {
		t.Fatalf("ds9 should be missing")
	}
	if !status["instruments"]["hexapod"].Available {
		t.Fatalf("expected focuser command available")
	}
	if _, ok := status["analysis"]; ok {
		t.Fatalf("no analyzer configured, group should be absent")
	}
	groups := Groups(status)
	if groups[0] != "detection" || groups[len(groups)-1] != "display" {
		t.Fatalf("unexpected group order %v", groups)
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"tool 1.0\nVersion: 2.1\n": "Version: 2.1",
		"xpans 2.1.20\n":            "xpans 2.1.20",
		"":                          "unknown",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Fatalf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func createExecutable(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
}
