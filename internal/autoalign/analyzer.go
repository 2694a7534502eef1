package autoalign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"autoalign/internal/align"
	"autoalign/internal/instrument"
)

// CommandAnalyzer delegates wavefront analysis to an external program. The catalogue is
// written to its standard input as JSON; {frame} in the template is replaced with the frame
// path. The program prints {"x":..,"y":..,"z":..,"u":..,"v":..}.
type CommandAnalyzer struct {
	Command instrument.Command
}

// Analyze runs the analysis command for frame.
func (a *CommandAnalyzer) Analyze(ctx context.Context, frame align.Frame, stars []align.Star) (align.Position, error) {
	if stars == nil {
		stars = []align.Star{}
	}
	input, err := json.Marshal(stars)
	if err != nil {
		return align.Position{}, err
	}
	out, err := a.Command.Run(ctx, map[string]string{"frame": frame.Filename()}, bytes.NewReader(input))
	if err != nil {
		return align.Position{}, fmt.Errorf("optical analysis failed: %v", err)
	}
	return DecodePosition(out)
}

// DecodePosition parses the analyzer output.
func DecodePosition(data []byte) (align.Position, error) {
	var raw struct {
		X, Y, Z, U, V *float64
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &raw); err != nil {
		return align.Position{}, fmt.Errorf("decode optical offsets: %w", err)
	}
	fields := []struct {
		name string
		v    *float64
	}{{"x", raw.X}, {"y", raw.Y}, {"z", raw.Z}, {"u", raw.U}, {"v", raw.V}}
	for _, f := range fields {
		if f.v == nil {
			return align.Position{}, fmt.Errorf("decode optical offsets: missing %q", f.name)
		}
	}
	return align.Position{X: *raw.X, Y: *raw.Y, Z: *raw.Z, U: *raw.U, V: *raw.V}, nil
}
