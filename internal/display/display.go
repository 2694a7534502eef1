// Package display feeds alignment frames to an optional external image viewer.
//
// Every call is best effort: failures are logged and swallowed, and a viewer that stops
// answering within the configured timeout is detached for the rest of the session.
package display

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"autoalign/internal/align"
)

// ScalePercentile is the display-scale clip applied after each frame load.
const ScalePercentile = 99.5

// DefaultTimeout bounds a single viewer call.
const DefaultTimeout = 2 * time.Second

// LaunchTimeout bounds Open when the viewer may have to be started first.
const LaunchTimeout = 30 * time.Second

// regionBatch caps the circles sent in one regions command so the xpaset argument stays short.
const regionBatch = 250

// Viewer is the external image viewer.
type Viewer interface {
	Open(ctx context.Context) error
	DisplayFile(ctx context.Context, path string) error
	Set(ctx context.Context, command string) error
}

// Options configures a Display.
type Options struct {
	// Timeout bounds each viewer call.
	Timeout time.Duration
	// OpenTimeout bounds Open. It defaults to LaunchTimeout for viewers that launch on
	// demand and to Timeout otherwise.
	OpenTimeout time.Duration
	Log         *slog.Logger
}

// Launcher is implemented by viewers that may start a new viewer process in Open.
type Launcher interface {
	Launches() bool
}

// Display is a live viewer connection. A nil *Display is valid and does nothing.
type Display struct {
	viewer  Viewer
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	detached bool
}

// Attach opens viewer and returns a handle, or nil when the viewer is absent or cannot be
// opened. A nil handle simply disables visualisation.
func Attach(ctx context.Context, viewer Viewer, opts Options) *Display {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if viewer == nil {
		return nil
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = opts.Timeout
		if l, ok := viewer.(Launcher); ok && l.Launches() {
			opts.OpenTimeout = LaunchTimeout
		}
	}
	d := &Display{viewer: viewer, timeout: opts.Timeout, log: opts.Log}
	if err := d.bounded(ctx, "open", opts.OpenTimeout, viewer.Open); err != nil {
		opts.Log.Warn("viewer unavailable, continuing without display", "error", err)
		return nil
	}
	return d
}

// Attached reports whether calls still reach the viewer.
func (d *Display) Attached() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.detached
}

// Show loads the frame into the viewer.
func (d *Display) Show(frame align.Frame) {
	d.call("show", func(ctx context.Context) error {
		return d.viewer.DisplayFile(ctx, frame.Filename())
	})
}

// Normalize applies the fixed display-scale percentile.
func (d *Display) Normalize() {
	d.call("normalize", func(ctx context.Context) error {
		return d.viewer.Set(ctx, fmt.Sprintf("scale mode %g", ScalePercentile))
	})
}

// Mark draws one circle per star at its image position, sized by its FWHM. Stars go out
// in batches of regions, one viewer call per batch.
func (d *Display) Mark(stars []align.Star) {
	for len(stars) > 0 {
		n := min(len(stars), regionBatch)
		batch := stars[:n]
		stars = stars[n:]
		d.call("mark", func(ctx context.Context) error {
			return d.viewer.Set(ctx, RegionsCommand(batch))
		})
	}
}

// Close releases the viewer when it holds resources.
func (d *Display) Close() error {
	if d == nil {
		return nil
	}
	if c, ok := d.viewer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RegionsCommand is the viewer command marking stars, one circle region each.
func RegionsCommand(stars []align.Star) string {
	var b strings.Builder
	b.WriteString("regions command {")
	for i, s := range stars {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "circle %.2f %.2f %.2f", s.X, s.Y, s.FWHM)
	}
	b.WriteString("}")
	return b.String()
}

func (d *Display) call(op string, fn func(ctx context.Context) error) {
	if d == nil || !d.Attached() {
		return
	}
	if err := d.bounded(context.Background(), op, d.timeout, fn); err != nil {
		d.log.Debug("viewer call failed", "op", op, "error", err)
	}
}

// bounded runs fn off the caller goroutine and gives up after timeout. A timed-out
// viewer is detached so later frames do not stall the optical loop again.
func (d *Display) bounded(parent context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("viewer panic: %v", p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.mu.Lock()
		d.detached = true
		d.mu.Unlock()
		d.log.Warn("viewer not responding, display detached", "op", op, "timeout", timeout.String())
		return ctx.Err()
	}
}
