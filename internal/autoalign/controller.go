// Package autoalign is the local alignment capability: it exposes frames, extracts star
// catalogues, asks the optics analyzer for hexapod offsets and applies coma then astigmatism
// corrections until nothing is left above threshold.
package autoalign

import (
	"context"
	"fmt"
	"log/slog"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autoalign/internal/align"
	"autoalign/internal/instrument"
)

const (
	// DefaultComaThreshold is the X/Y correction threshold in millimetres.
	DefaultComaThreshold = 0.009
	// DefaultAstigmatismThreshold is the U/V correction threshold in degrees (10 arcsec).
	DefaultAstigmatismThreshold = 10.0 / 3600.0
	// DefaultFocuserStep converts offsets to focuser steps.
	DefaultFocuserStep = 1.0
)

// Camera captures frames.
type Camera interface {
	Expose(ctx context.Context, exp instrument.Exposure) (align.Frame, error)
	// Size returns the detector dimensions in pixels, or zeros when unknown.
	Size() (width, height int)
}

// FilterWheel selects the exposure filter.
type FilterWheel interface {
	SetFilter(ctx context.Context, name string) error
}

// Extractor builds a star catalogue from a frame.
type Extractor interface {
	Extract(ctx context.Context, frame align.Frame) ([]align.Star, error)
}

// Analyzer computes hexapod offsets from a defocused frame and its catalogue.
type Analyzer interface {
	Analyze(ctx context.Context, frame align.Frame, stars []align.Star) (align.Position, error)
}

// Options tunes the correction loop.
type Options struct {
	FramesDir            string
	ComaThreshold        float64
	AstigmatismThreshold float64
	// FocuserStep is the offset covered by one focuser step.
	FocuserStep float64
	Now         func() time.Time
	Log         *slog.Logger
}

type aberration struct {
	name      string
	axes      []align.Axis
	threshold float64
}

type subscription struct {
	id int
	fn align.StepFunc
}

// Controller implements align.Aligner over local instruments.
type Controller struct {
	camera    Camera
	wheel     FilterWheel
	extractor Extractor
	analyzer  Analyzer
	focuser   align.Focuser
	opts      Options
	order     []aberration

	mu sync.Mutex // one Align at a time

	subMu  sync.Mutex
	subs   []subscription
	nextID int
}

var _ align.Aligner = (*Controller)(nil)

// New wires a controller. wheel may be nil when no filter changes are requested.
func New(camera Camera, wheel FilterWheel, extractor Extractor, analyzer Analyzer, focuser align.Focuser, opts Options) *Controller {
	if opts.ComaThreshold <= 0 {
		opts.ComaThreshold = DefaultComaThreshold
	}
	if opts.AstigmatismThreshold <= 0 {
		opts.AstigmatismThreshold = DefaultAstigmatismThreshold
	}
	if opts.FocuserStep <= 0 {
		opts.FocuserStep = DefaultFocuserStep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Controller{
		camera:    camera,
		wheel:     wheel,
		extractor: extractor,
		analyzer:  analyzer,
		focuser:   focuser,
		opts:      opts,
		order: []aberration{
			{name: "coma", axes: []align.Axis{align.AxisX, align.AxisY}, threshold: opts.ComaThreshold},
			{name: "astigmatism", axes: []align.Axis{align.AxisU, align.AxisV}, threshold: opts.AstigmatismThreshold},
		},
	}
}

// OnStep registers fn for step events. The returned func removes it.
func (c *Controller) OnStep(fn align.StepFunc) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Align runs the capture, detect and correct loop.
func (c *Controller) Align(ctx context.Context, req align.Request) (align.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.camera == nil || c.extractor == nil || c.analyzer == nil || c.focuser == nil {
		return align.Position{}, align.ErrNoAligner
	}
	if req.ExposureTime <= 0 {
		req.ExposureTime = align.DefaultExposureTime
	}
	if req.MaxIterations < 1 {
		req.MaxIterations = align.DefaultMaxIterations
	}
	runDir, err := c.newRunDir()
	if err != nil {
		return align.Position{}, err
	}
	log := c.opts.Log.With("run", filepath.Base(runDir))
	if name, ok := req.Filter.Name(); ok {
		log.Debug("using filter", "filter", name)
	} else {
		log.Debug("using current filter")
	}

	var pos align.Position
	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return align.Position{}, err
		}
		frame, err := c.takeImage(ctx, req, filepath.Join(runDir, fmt.Sprintf("align-%d.fits", iter)))
		if err != nil {
			return align.Position{}, err
		}
		stars, err := c.extractor.Extract(ctx, frame)
		if err != nil {
			return align.Position{}, err
		}
		if req.MinimumStars > 0 && len(stars) < req.MinimumStars {
			return align.Position{}, fmt.Errorf("%w: Could not find the required number of stars. Found %d of %d.",
				align.ErrStarNotFound, len(stars), req.MinimumStars)
		}
		if req.CheckStellarDistribution {
			w, h := c.camera.Size()
			if err := CheckDistribution(stars, w, h); err != nil {
				return align.Position{}, err
			}
		}

		pos, err = c.analyzer.Analyze(ctx, frame, stars)
		if err != nil {
			return align.Position{}, err
		}
		applied, err := c.correct(ctx, pos)
		if err != nil {
			return align.Position{}, err
		}
		log.Info("alignment iteration", "iteration", iter, "stars", len(stars), "corrected", applied)
		c.emit(align.StepEvent{Iteration: iter, Position: pos, Stars: stars, Frame: frame})

		if applied == "" {
			break
		}
		if iter >= req.MaxIterations {
			return align.Position{}, fmt.Errorf("%w: %s still above threshold after %d iterations",
				align.ErrFocusNotFound, applied, req.MaxIterations)
		}
	}

	if pos.Z != 0 {
		if err := c.applyOffset(ctx, align.AxisZ, pos.Z); err != nil {
			return align.Position{}, err
		}
	}
	return pos, nil
}

func (c *Controller) takeImage(ctx context.Context, req align.Request, output string) (align.Frame, error) {
	if name, ok := req.Filter.Name(); ok {
		if c.wheel == nil {
			return align.Frame{}, fmt.Errorf("%w: no filter wheel configured for filter %q", align.ErrInvalidFilterPosition, name)
		}
		if err := c.wheel.SetFilter(ctx, name); err != nil {
			return align.Frame{}, err
		}
	}
	return c.camera.Expose(ctx, instrument.Exposure{
		ExposureTime: req.ExposureTime,
		Binning:      req.Binning,
		Window:       req.Window,
		Output:       output,
	})
}

// correct applies the first aberration group with any axis over threshold and returns its
// name, or "" when the optics are within tolerance.
func (c *Controller) correct(ctx context.Context, pos align.Position) (string, error) {
	for _, ab := range c.order {
		applied := false
		for _, axis := range ab.axes {
			v := pos.Get(axis)
			if math.Abs(v) <= ab.threshold {
				continue
			}
			if err := c.applyOffset(ctx, axis, v); err != nil {
				return "", err
			}
			applied = true
		}
		if applied {
			return ab.name, nil
		}
	}
	return "", nil
}

func (c *Controller) applyOffset(ctx context.Context, axis align.Axis, offset float64) error {
	steps := math.Abs(offset) / c.opts.FocuserStep
	if offset > 0 {
		return c.focuser.MoveOut(ctx, steps, axis)
	}
	return c.focuser.MoveIn(ctx, steps, axis)
}

func (c *Controller) emit(ev align.StepEvent) {
	c.subMu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// newRunDir creates the frame directory of one Align call. Runs started within the same
// second get a numeric suffix.
func (c *Controller) newRunDir() (string, error) {
	if err := os.MkdirAll(c.opts.FramesDir, 0o755); err != nil {
		return "", fmt.Errorf("create frames directory: %w", err)
	}
	base := filepath.Join(c.opts.FramesDir, "autoalign-"+c.opts.Now().Format("20060102-150405"))
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create run directory: %w", err)
		}
		dir = fmt.Sprintf("%s-%d", base, n)
	}
}
