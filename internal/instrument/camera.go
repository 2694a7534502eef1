package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"autoalign/internal/align"
)

// DefaultReadout is added to the exposure time when waiting for a frame.
const DefaultReadout = 30 * time.Second

// Exposure is one capture request.
type Exposure struct {
	ExposureTime float64
	Binning      string
	Window       string
	Output       string
}

// CommandCamera captures frames with an {exptime}/{binning}/{window}/{output} command and
// waits for the output file to appear.
type CommandCamera struct {
	Capture Command
	Readout time.Duration
	// Width and Height are the detector size in pixels.
	Width, Height int
	Log           *slog.Logger
}

// Expose runs the capture command and returns the written frame.
func (c *CommandCamera) Expose(ctx context.Context, exp Exposure) (align.Frame, error) {
	if exp.Output == "" {
		return align.Frame{}, fmt.Errorf("exposure has no output path")
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(exp.Output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return align.Frame{}, fmt.Errorf("frame directory: %w", err)
	}

	// watch before the command runs so an early write is not missed
	fw, err := WatchFrames(dir)
	if err != nil {
		return align.Frame{}, err
	}
	defer fw.Close()

	start := time.Now()
	vars := map[string]string{
		"exptime": strconv.FormatFloat(exp.ExposureTime, 'f', -1, 64),
		"binning": exp.Binning,
		"window":  exp.Window,
		"output":  exp.Output,
	}
	if _, err := c.Capture.Run(ctx, vars, nil); err != nil {
		// %v: a missing capture program must not read as a missing detection tool
		return align.Frame{}, fmt.Errorf("error taking image: %v", err)
	}

	readout := c.Readout
	if readout <= 0 {
		readout = DefaultReadout
	}
	wait := time.Duration(exp.ExposureTime*float64(time.Second)) + readout
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := fw.Wait(waitCtx, exp.Output); err != nil {
		return align.Frame{}, fmt.Errorf("error taking image: %w", err)
	}

	log.Debug("frame captured", "path", exp.Output, "exptime", exp.ExposureTime, "elapsed", time.Since(start).String())
	return align.Frame{Path: exp.Output}, nil
}

// Size returns the configured detector dimensions.
func (c *CommandCamera) Size() (width, height int) {
	return c.Width, c.Height
}
