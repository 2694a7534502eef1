package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"autoalign/internal/align"
)

func TestAttachFailureReturnsNil(t *testing.T) {
	v := &stubViewer{openErr: errors.New("connection refused")}
	d := Attach(context.Background(), v, Options{Log: quietLogger()})
	if d != nil {
		t.Fatalf("expected nil display when open fails")
	}
	// nil handle must be usable
	d.Show(align.Frame{Path: "a.fits"})
	d.Normalize()
	d.Mark([]align.Star{{X: 1, Y: 2, FWHM: 3}})
	if d.Attached() {
		t.Fatalf("nil display reports attached")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestAttachNilViewer(t *testing.T) {
	if Attach(context.Background(), nil, Options{}) != nil {
		t.Fatalf("expected nil display for nil viewer")
	}
}

func TestShowNormalizeMarkCommands(t *testing.T) {
	v := &stubViewer{}
	d := Attach(context.Background(), v, Options{Log: quietLogger()})
	if d == nil {
		t.Fatalf("expected display")
	}

	d.Show(align.Frame{Path: "/frames/align-0.fits"})
	d.Normalize()
	d.Mark([]align.Star{{X: 10, Y: 20, FWHM: 3.5}, {X: 30.25, Y: 40.5, FWHM: 4}})

	want := []string{
		"file /frames/align-0.fits",
		"scale mode 99.5",
		"regions command {circle 10.00 20.00 3.50; circle 30.25 40.50 4.00}",
	}
	got := v.history()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected commands:\n got %v\nwant %v", got, want)
	}
}

func TestViewerErrorsAreSwallowed(t *testing.T) {
	v := &stubViewer{setErr: errors.New("xpa: no reply")}
	d := Attach(context.Background(), v, Options{Log: quietLogger()})
	d.Normalize()
	d.Mark([]align.Star{{X: 1, Y: 1, FWHM: 1}})
	if !d.Attached() {
		t.Fatalf("ordinary errors must not detach the display")
	}
}

func TestUnresponsiveViewerIsDetached(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	v := &stubViewer{block: block}
	d := Attach(context.Background(), v, Options{Timeout: 20 * time.Millisecond, Log: quietLogger()})
	if d == nil {
		t.Fatalf("expected display")
	}

	start := time.Now()
	d.Show(align.Frame{Path: "slow.fits"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("show blocked for %v", elapsed)
	}
	if d.Attached() {
		t.Fatalf("expected display to detach after timeout")
	}

	before := len(v.history())
	d.Normalize()
	if len(v.history()) != before {
		t.Fatalf("detached display must not call the viewer")
	}
}

func TestMarkingManyStarsKeepsSlowViewerAttached(t *testing.T) {
	v := &stubViewer{setDelay: 30 * time.Millisecond}
	d := Attach(context.Background(), v, Options{Log: quietLogger()})
	if d == nil {
		t.Fatalf("expected display")
	}

	stars := make([]align.Star, 600)
	for i := range stars {
		stars[i] = align.Star{X: float64(i + 1), Y: 10, FWHM: 2}
	}
	d.Mark(stars)
	if !d.Attached() {
		t.Fatalf("display detached after marking %d stars", len(stars))
	}

	got := v.history()
	if len(got) != 3 {
		t.Fatalf("expected 3 region batches, got %d", len(got))
	}
	circles := 0
	for _, cmd := range got {
		c, err := parseCommand(cmd)
		if err != nil {
			t.Fatalf("parse %q: %v", cmd, err)
		}
		circles += len(c.circles)
	}
	if circles != len(stars) {
		t.Fatalf("marked %d circles, want %d", circles, len(stars))
	}
}

func TestOpenTimeoutForLaunchingViewer(t *testing.T) {
	tests := []struct {
		name     string
		launches bool
		attached bool
	}{
		{"launch allowed", true, true},
		{"already running", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &launchingViewer{launches: tt.launches, openDelay: 100 * time.Millisecond}
			d := Attach(context.Background(), v, Options{Timeout: 20 * time.Millisecond, Log: quietLogger()})
			if (d != nil) != tt.attached {
				t.Fatalf("attached = %v, want %v", d != nil, tt.attached)
			}
		})
	}
}

func TestDS9Launches(t *testing.T) {
	if !NewDS9("ds9", true).Launches() || NewDS9("ds9", false).Launches() {
		t.Fatalf("Launches does not follow the launch setting")
	}
}

func TestViewerPanicIsContained(t *testing.T) {
	v := &stubViewer{panicOnShow: true}
	d := Attach(context.Background(), v, Options{Log: quietLogger()})
	d.Show(align.Frame{Path: "x.fits"})
	if !d.Attached() {
		t.Fatalf("panic should be treated as an ordinary failure")
	}
}

func TestDisplaySatisfiesReporterPort(t *testing.T) {
	var _ align.Display = (*Display)(nil)
}

func TestParseCommand(t *testing.T) {
	c, err := parseCommand("scale mode 99.5")
	if err != nil || c.scale != 99.5 {
		t.Fatalf("scale parse: %+v %v", c, err)
	}
	c, err = parseCommand(RegionsCommand([]align.Star{{X: 12.5, Y: 7, FWHM: 2.25}, {X: 3, Y: 4, FWHM: 1}}))
	if err != nil || len(c.circles) != 2 {
		t.Fatalf("region parse: %+v %v", c, err)
	}
	if got := c.circles[0]; got.X != 12.5 || got.Y != 7 || got.R != 2.25 {
		t.Fatalf("unexpected circle %+v", got)
	}
	if got := c.circles[1]; got.X != 3 || got.Y != 4 || got.R != 1 {
		t.Fatalf("unexpected circle %+v", got)
	}
	if _, err := parseCommand("regions command {circle 1 2}"); err == nil {
		t.Fatalf("expected bad region error")
	}
	if _, err := parseCommand("zoom to fit"); err == nil {
		t.Fatalf("expected unsupported command error")
	}
	if _, err := parseCommand("scale mode 140"); err == nil {
		t.Fatalf("expected out of range percentile error")
	}
}

func TestDS9OpenAndCommands(t *testing.T) {
	var calls []string
	v := NewDS9("ds9", false)
	v.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		if name == "xpaaccess" {
			return []byte("1\n"), nil
		}
		return nil, nil
	}

	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := v.DisplayFile(context.Background(), "/tmp/f.fits"); err != nil {
		t.Fatalf("display: %v", err)
	}
	if err := v.Set(context.Background(), "scale mode 99.5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	want := []string{
		"xpaaccess -n ds9",
		"xpaset -p ds9 fits /tmp/f.fits",
		"xpaset -p ds9 scale mode 99.5",
	}
	if strings.Join(calls, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestDS9NotRunningWithoutLaunch(t *testing.T) {
	v := NewDS9("", false)
	v.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("0\n"), errors.New("exit status 1")
	}
	if err := v.Open(context.Background()); err == nil {
		t.Fatalf("expected error when ds9 is not running")
	}
}

func TestDS9LaunchesAndWaits(t *testing.T) {
	var mu sync.Mutex
	started := false
	v := NewDS9("ds9", true)
	v.poll = time.Millisecond
	v.start = func(name string, args ...string) error {
		mu.Lock()
		started = true
		mu.Unlock()
		return nil
	}
	v.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if started {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := v.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
}

// Test helpers

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubViewer struct {
	mu          sync.Mutex
	calls       []string
	openErr     error
	setErr      error
	block       chan struct{}
	setDelay    time.Duration
	panicOnShow bool
}

func (v *stubViewer) Open(ctx context.Context) error { return v.openErr }

func (v *stubViewer) DisplayFile(ctx context.Context, path string) error {
	if v.panicOnShow {
		panic("viewer crashed")
	}
	v.record(fmt.Sprintf("file %s", path))
	if v.block != nil {
		<-v.block
	}
	return nil
}

func (v *stubViewer) Set(ctx context.Context, command string) error {
	if v.setDelay > 0 {
		time.Sleep(v.setDelay)
	}
	v.record(command)
	return v.setErr
}

func (v *stubViewer) record(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, s)
}

func (v *stubViewer) history() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.calls))
	copy(out, v.calls)
	return out
}

type launchingViewer struct {
	stubViewer
	launches  bool
	openDelay time.Duration
}

func (v *launchingViewer) Launches() bool { return v.launches }

func (v *launchingViewer) Open(ctx context.Context) error {
	select {
	case <-time.After(v.openDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
