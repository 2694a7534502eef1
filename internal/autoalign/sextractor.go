package autoalign

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"autoalign/internal/align"
)

// DefaultSExtractorBinaries are tried in order when no binary is configured.
var DefaultSExtractorBinaries = []string{"source-extractor", "sex"}

// catalogParameters are the columns requested from SExtractor.
var catalogParameters = []string{
	"NUMBER", "X_IMAGE", "Y_IMAGE", "XWIN_IMAGE", "YWIN_IMAGE", "FLUX_BEST", "FWHM_IMAGE", "FLAGS",
}

// SExtractor runs Source Extractor on each frame, keeping the .config, .param and .catalog
// files next to it.
type SExtractor struct {
	Binaries        []string
	PixelScale      float64
	SaturationLevel float64
	MinArea         int
	Threshold       float64

	lookPath func(string) (string, error)
}

// NewSExtractor returns an extractor with the alignment detection settings: 200 pixel
// minimum area at 10 sigma.
func NewSExtractor(pixelScale, saturation float64, binaries ...string) *SExtractor {
	if len(binaries) == 0 {
		binaries = DefaultSExtractorBinaries
	}
	return &SExtractor{
		Binaries:        binaries,
		PixelScale:      pixelScale,
		SaturationLevel: saturation,
		MinArea:         200,
		Threshold:       10,
		lookPath:        exec.LookPath,
	}
}

// Binary resolves the first available executable.
func (s *SExtractor) Binary() (string, error) {
	lookPath := s.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range s.Binaries {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", align.ErrDetectionToolMissing, strings.Join(s.Binaries, ", "))
}

// Extract runs the detection and parses the resulting catalogue.
func (s *SExtractor) Extract(ctx context.Context, frame align.Frame) ([]align.Star, error) {
	bin, err := s.Binary()
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(frame.Filename(), filepath.Ext(frame.Filename()))
	configPath := base + ".config"
	paramPath := base + ".param"
	catalogPath := base + ".catalog"

	if err := os.WriteFile(paramPath, []byte(strings.Join(catalogParameters, "\n")+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write parameter list: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(s.config(catalogPath, paramPath)), 0o644); err != nil {
		return nil, fmt.Errorf("write extractor config: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, frame.Filename(), "-c", configPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("source extraction failed on %s: %v: %s",
			filepath.Base(frame.Filename()), err, strings.TrimSpace(stderr.String()))
	}

	f, err := os.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

func (s *SExtractor) config(catalogPath, paramPath string) string {
	var b strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&b, "%-16s %v\n", k, v) }
	line("CATALOG_NAME", catalogPath)
	line("CATALOG_TYPE", "ASCII_HEAD")
	line("PARAMETERS_NAME", paramPath)
	line("DETECT_MINAREA", s.MinArea)
	line("DETECT_THRESH", s.Threshold)
	line("ANALYSIS_THRESH", s.Threshold)
	line("FILTER", "N")
	line("BACK_TYPE", "AUTO")
	line("VERBOSE_TYPE", "QUIET")
	if s.PixelScale > 0 {
		line("PIXEL_SCALE", s.PixelScale)
	}
	if s.SaturationLevel > 0 {
		line("SATUR_LEVEL", s.SaturationLevel)
	}
	return b.String()
}

// ParseCatalog reads an ASCII_HEAD catalogue. Column positions come from the "#  n NAME"
// header lines; unknown columns are ignored.
func ParseCatalog(r io.Reader) ([]align.Star, error) {
	columns := map[string]int{}
	var stars []align.Star
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			fields := strings.Fields(strings.TrimPrefix(text, "#"))
			if len(fields) < 2 {
				continue
			}
			idx, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			columns[fields[1]] = idx - 1
			continue
		}
		fields := strings.Fields(text)
		get := func(name string) (float64, error) {
			i, ok := columns[name]
			if !ok || i >= len(fields) {
				return 0, nil
			}
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return 0, fmt.Errorf("catalogue line %d: %s: %w", lineNo, name, err)
			}
			return v, nil
		}
		var (
			star align.Star
			vals = make([]float64, len(catalogParameters))
		)
		for i, name := range catalogParameters {
			v, err := get(name)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		star.Number = int(vals[0])
		star.X, star.Y = vals[1], vals[2]
		star.XWin, star.YWin = vals[3], vals[4]
		star.Flux, star.FWHM = vals[5], vals[6]
		star.Flags = int(vals[7])
		stars = append(stars, star)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(stars) > 0 {
		if _, ok := columns["X_IMAGE"]; !ok {
			return nil, fmt.Errorf("catalogue has no X_IMAGE column")
		}
	}
	return stars, nil
}
