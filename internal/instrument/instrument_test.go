package instrument

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autoalign/internal/align"
)

func TestExpandPlaceholders(t *testing.T) {
	got := Expand([]string{"move", "--axis={axis}", "{direction}", "{steps}", "{unknown}"}, map[string]string{
		"axis":      "Z",
		"direction": "out",
		"steps":     "12.5",
	})
	want := []string{"move", "--axis=Z", "out", "12.5", "{unknown}"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("Expand = %v, want %v", got, want)
	}
}

func TestCommandNotConfigured(t *testing.T) {
	if _, err := (Command{}).Run(context.Background(), nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestFocuserMovesAndRecordsArguments(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "moves.log")
	script := writeScript(t, dir, "hexapod", "echo \"$@\" >> "+logFile+"\nexit 0\n")

	f := NewCommandFocuser(Command{Argv: []string{script, "{axis}", "{direction}", "{steps}"}}, nil)
	if err := f.MoveIn(context.Background(), 250, align.AxisZ); err != nil {
		t.Fatalf("MoveIn: %v", err)
	}
	if err := f.MoveOut(context.Background(), 0.12345678, align.AxisU); err != nil {
		t.Fatalf("MoveOut: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := "Z in 250\nU out 0.1235\n"
	if string(data) != want {
		t.Fatalf("moves = %q, want %q", data, want)
	}
}

func TestFocuserExitCodes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{name: "rejected position", body: "echo 'out of range' >&2\nexit 2\n", want: align.ErrInvalidFocusPosition},
		{name: "controller fault", body: "exit 1\n", want: align.ErrOpticsIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := writeScript(t, t.TempDir(), "hexapod", tc.body)
			f := NewCommandFocuser(Command{Argv: []string{script}}, nil)
			err := f.MoveOut(context.Background(), 10, align.AxisX)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFocuserMissingDriverIsOpticsFault(t *testing.T) {
	f := NewCommandFocuser(Command{Argv: []string{filepath.Join(t.TempDir(), "absent")}}, nil)
	err := f.MoveIn(context.Background(), 1, align.AxisZ)
	if !errors.Is(err, align.ErrOpticsIO) {
		t.Fatalf("expected optics fault, got %v", err)
	}
	if got := align.Classify(err).Kind; got != align.FailureOpticsIO {
		t.Fatalf("classified as %s", got)
	}
}

func TestFocuserRejectsNegativeDistance(t *testing.T) {
	f := NewCommandFocuser(Command{Argv: []string{"true"}}, nil)
	if err := f.MoveIn(context.Background(), -1, align.AxisZ); !errors.Is(err, align.ErrInvalidFocusPosition) {
		t.Fatalf("expected invalid focus position, got %v", err)
	}
}

func TestFilterWheel(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "wheel-ok", "exit 0\n")
	bad := writeScript(t, dir, "wheel-bad", "exit 2\n")

	w := &CommandFilterWheel{Set: Command{Argv: []string{ok, "{filter}"}}, Filters: []string{"R", "V"}}
	if err := w.SetFilter(context.Background(), "R"); err != nil {
		t.Fatalf("SetFilter R: %v", err)
	}
	if err := w.SetFilter(context.Background(), "Z"); !errors.Is(err, align.ErrInvalidFilterPosition) {
		t.Fatalf("expected uninstalled filter to be rejected, got %v", err)
	}

	w = &CommandFilterWheel{Set: Command{Argv: []string{bad, "{filter}"}}}
	if err := w.SetFilter(context.Background(), "B"); !errors.Is(err, align.ErrInvalidFilterPosition) {
		t.Fatalf("expected exit 2 to be invalid filter position, got %v", err)
	}
}

func TestCameraWaitsForFrame(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "capture", "printf 'SIMPLE  = T' > \"$2\"\n")
	cam := &CommandCamera{
		Capture: Command{Argv: []string{script, "{exptime}", "{output}"}},
		Readout: time.Second,
	}
	out := filepath.Join(dir, "run", "align-1.fits")
	frame, err := cam.Expose(context.Background(), Exposure{ExposureTime: 0.01, Output: out})
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if frame.Filename() != out {
		t.Fatalf("frame = %s, want %s", frame.Filename(), out)
	}
}

func TestCameraTimesOutWithoutFrame(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "capture", "exit 0\n")
	cam := &CommandCamera{
		Capture: Command{Argv: []string{script}},
		Readout: 50 * time.Millisecond,
	}
	_, err := cam.Expose(context.Background(), Exposure{ExposureTime: 0, Output: filepath.Join(dir, "missing.fits")})
	if err == nil || !strings.Contains(err.Error(), "did not arrive") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestFrameWatcherSeesLateWrite(t *testing.T) {
	dir := t.TempDir()
	fw, err := WatchFrames(dir)
	if err != nil {
		t.Fatalf("WatchFrames: %v", err)
	}
	defer fw.Close()

	path := filepath.Join(dir, "late.fits")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(path, []byte("data"), 0o644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fw.Wait(ctx, path); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
	return path
}
