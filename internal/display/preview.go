package display

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

type circle struct {
	X, Y, R float64
}

// Preview renders each frame to a PNG beside it (or in Dir) with contrast stretch and star
// circles applied, for hosts without an interactive viewer.
type Preview struct {
	Dir string
	log *slog.Logger

	mu         sync.Mutex
	opened     bool
	source     string
	percentile float64
	circles    []circle
	lastOutput string
}

// NewPreview writes previews to dir. An empty dir writes next to each frame.
func NewPreview(dir string, log *slog.Logger) *Preview {
	if log == nil {
		log = slog.Default()
	}
	return &Preview{Dir: dir, log: log, percentile: 100}
}

// Open initialises ImageMagick.
func (p *Preview) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		return nil
	}
	if p.Dir != "" {
		if err := os.MkdirAll(p.Dir, 0o755); err != nil {
			return fmt.Errorf("preview directory: %w", err)
		}
	}
	imagick.Initialize()
	p.opened = true
	return nil
}

// DisplayFile starts a new preview from the frame at path.
func (p *Preview) DisplayFile(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("preview source: %w", err)
	}
	p.source = path
	p.circles = nil
	p.percentile = 100
	return p.render()
}

// Set applies "scale mode <percentile>" and "regions command {circle x y r; ...}" commands.
// Each command renders the preview once.
func (p *Preview) Set(ctx context.Context, command string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd, err := parseCommand(command)
	if err != nil {
		return err
	}
	switch {
	case cmd.scale > 0:
		p.percentile = cmd.scale
	case len(cmd.circles) > 0:
		p.circles = append(p.circles, cmd.circles...)
	}
	if p.source == "" {
		return nil
	}
	return p.render()
}

// LastOutput returns the most recently written preview file.
func (p *Preview) LastOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOutput
}

// Close releases ImageMagick.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		imagick.Terminate()
		p.opened = false
	}
	return nil
}

func (p *Preview) outputPath() string {
	base := strings.TrimSuffix(filepath.Base(p.source), filepath.Ext(p.source)) + ".preview.png"
	if p.Dir == "" {
		return filepath.Join(filepath.Dir(p.source), base)
	}
	return filepath.Join(p.Dir, base)
}

func (p *Preview) render() error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(p.source); err != nil {
		return fmt.Errorf("failed to read frame: %v", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return fmt.Errorf("failed to convert to grayscale: %v", err)
	}

	if p.percentile < 100 {
		pixels := float64(mw.GetImageWidth() * mw.GetImageHeight())
		clip := pixels * (100 - p.percentile) / 200
		if err := mw.ContrastStretchImage(clip, pixels-clip); err != nil {
			return fmt.Errorf("failed to stretch contrast: %v", err)
		}
	}

	if len(p.circles) > 0 {
		if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
			return fmt.Errorf("failed to convert to rgb: %v", err)
		}
		stroke := imagick.NewPixelWand()
		defer stroke.Destroy()
		stroke.SetColor("green")
		fill := imagick.NewPixelWand()
		defer fill.Destroy()
		fill.SetColor("none")

		dw := imagick.NewDrawingWand()
		defer dw.Destroy()
		dw.SetStrokeColor(stroke)
		dw.SetFillColor(fill)
		dw.SetStrokeWidth(1.5)
		height := float64(mw.GetImageHeight())
		for _, c := range p.circles {
			// viewer regions use 1-based FITS coordinates with y growing upwards
			x := c.X - 1
			y := height - c.Y
			dw.Circle(x, y, x+c.R, y)
		}
		if err := mw.DrawImage(dw); err != nil {
			return fmt.Errorf("failed to draw regions: %v", err)
		}
	}

	if err := mw.SetImageFormat("PNG"); err != nil {
		return fmt.Errorf("failed to set format: %v", err)
	}
	out := p.outputPath()
	if err := mw.WriteImage(out); err != nil {
		return fmt.Errorf("failed to write preview: %v", err)
	}
	p.lastOutput = out
	p.log.Debug("preview written", "path", out, "regions", len(p.circles), "percentile", p.percentile)
	return nil
}

type command struct {
	scale   float64
	circles []circle
}

func parseCommand(s string) (command, error) {
	s = strings.TrimSpace(s)
	var c command
	switch {
	case strings.HasPrefix(s, "scale mode "):
		if _, err := fmt.Sscanf(s, "scale mode %g", &c.scale); err != nil || c.scale <= 0 || c.scale > 100 {
			return command{}, fmt.Errorf("bad scale command %q", s)
		}
	case strings.HasPrefix(s, "regions command {"):
		body := strings.TrimSuffix(strings.TrimPrefix(s, "regions command {"), "}")
		for _, region := range strings.Split(body, ";") {
			var ci circle
			if _, err := fmt.Sscanf(strings.TrimSpace(region), "circle %g %g %g", &ci.X, &ci.Y, &ci.R); err != nil {
				return command{}, fmt.Errorf("bad region %q: %w", region, err)
			}
			c.circles = append(c.circles, ci)
		}
	default:
		return command{}, fmt.Errorf("unsupported preview command %q", s)
	}
	return c, nil
}
