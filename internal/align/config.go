package align

import (
	"errors"
	"fmt"
)

const (
	DefaultExposureTime  = 30.0
	DefaultMinimumStars  = 100
	DefaultMaxIterations = 10
)

// Config is the resolved, immutable description of one alignment session.
type Config struct {
	ExposureTime             float64
	Filter                   FilterSelector
	Binning                  string
	Window                   string
	Intra                    bool
	CheckStellarDistribution bool
	MinimumStars             int
	MaxIterations            int
	// Defocus is an optional pre-session focuser displacement in steps.
	Defocus *int
}

// DefaultConfig returns the session defaults: 30s exposures on the current filter,
// intra-focal, 100 stars, 10 iterations and no defocus.
func DefaultConfig() Config {
	return Config{
		ExposureTime:  DefaultExposureTime,
		Filter:        CurrentFilter(),
		Intra:         true,
		MinimumStars:  DefaultMinimumStars,
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate checks the ranges of every numeric field.
func (c Config) Validate() error {
	var errs []error
	if !(c.ExposureTime > 0) {
		errs = append(errs, fmt.Errorf("exposure time must be positive, got %v", c.ExposureTime))
	}
	if c.MinimumStars < 1 {
		errs = append(errs, fmt.Errorf("minimum stars must be at least 1, got %d", c.MinimumStars))
	}
	if c.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("max iterations must be at least 1, got %d", c.MaxIterations))
	}
	return errors.Join(errs...)
}

// Request builds the aligner parameters for this configuration.
func (c Config) Request() Request {
	return Request{
		Filter:                   c.Filter,
		ExposureTime:             c.ExposureTime,
		Binning:                  c.Binning,
		Window:                   c.Window,
		Intra:                    c.Intra,
		CheckStellarDistribution: c.CheckStellarDistribution,
		MinimumStars:             c.MinimumStars,
		MaxIterations:            c.MaxIterations,
	}
}

// Direction is the sense of a focuser move.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// PreMove is a one-shot focus displacement applied before the first iteration.
type PreMove struct {
	Direction Direction
	Distance  int
}

// PreMoveFor derives the pre-conditioning move from cfg. It returns nil when no defocus is
// configured. Intra-focal sessions move in; a negative defocus reverses the direction.
func PreMoveFor(cfg Config) *PreMove {
	if cfg.Defocus == nil {
		return nil
	}
	dir := Out
	if cfg.Intra {
		dir = In
	}
	dist := *cfg.Defocus
	if dist < 0 {
		dist = -dist
		if dir == In {
			dir = Out
		} else {
			dir = In
		}
	}
	return &PreMove{Direction: dir, Distance: dist}
}
