package align

import (
	"context"
	"strings"
)

// Axis names one hexapod degree of freedom.
type Axis string

const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
	AxisZ Axis = "Z"
	AxisU Axis = "U"
	AxisV Axis = "V"
)

// Linear reports whether the axis moves in millimetres (X, Y, Z) rather than degrees.
func (a Axis) Linear() bool {
	return a == AxisX || a == AxisY || a == AxisZ
}

// Position is a five-axis hexapod offset. X, Y and Z are in millimetres, U and V in degrees.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	U float64 `json:"u"`
	V float64 `json:"v"`
}

// Get returns the component for axis.
func (p Position) Get(axis Axis) float64 {
	switch axis {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	case AxisU:
		return p.U
	case AxisV:
		return p.V
	}
	return 0
}

// Star is one source from the extracted catalogue.
type Star struct {
	Number int     `json:"number"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	XWin   float64 `json:"xwin"`
	YWin   float64 `json:"ywin"`
	Flux   float64 `json:"flux"`
	FWHM   float64 `json:"fwhm"`
	Flags  int     `json:"flags"`
}

// Frame references a captured image on disk.
type Frame struct {
	Path string `json:"path"`
}

// Filename returns the path of the image file.
func (f Frame) Filename() string { return f.Path }

// StepEvent is the telemetry of one alignment iteration.
type StepEvent struct {
	Iteration int      `json:"iteration"`
	Position  Position `json:"position"`
	Stars     []Star   `json:"stars"`
	Frame     Frame    `json:"frame"`
}

// StepFunc receives step events in iteration order.
type StepFunc func(StepEvent)

// CurrentFilterName is the configuration value meaning "leave the filter wheel alone".
const CurrentFilterName = "current"

// FilterSelector chooses the exposure filter. The zero value keeps the current filter.
type FilterSelector struct {
	name string
}

// CurrentFilter keeps whatever filter is in the beam.
func CurrentFilter() FilterSelector { return FilterSelector{} }

// NamedFilter selects an explicit filter.
func NamedFilter(name string) FilterSelector { return FilterSelector{name: name} }

// ParseFilter normalises a configuration value. "current" and "" map to CurrentFilter.
func ParseFilter(value string) FilterSelector {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, CurrentFilterName) {
		return CurrentFilter()
	}
	return NamedFilter(v)
}

// Name returns the selected filter and whether a change was requested.
func (f FilterSelector) Name() (string, bool) {
	return f.name, f.name != ""
}

func (f FilterSelector) String() string {
	if f.name == "" {
		return CurrentFilterName
	}
	return f.name
}

// Request carries the parameters of one Align invocation.
type Request struct {
	Filter                   FilterSelector
	ExposureTime             float64
	Binning                  string
	Window                   string
	Intra                    bool
	CheckStellarDistribution bool
	MinimumStars             int
	MaxIterations            int
}

// Aligner runs the capture, detect and correct loop. Step callbacks registered with OnStep are
// invoked synchronously from inside Align, once per completed iteration.
type Aligner interface {
	OnStep(fn StepFunc) (unsubscribe func())
	Align(ctx context.Context, req Request) (Position, error)
}

// Focuser moves the optical train along one axis. Distance is in focuser steps.
type Focuser interface {
	MoveIn(ctx context.Context, distance float64, axis Axis) error
	MoveOut(ctx context.Context, distance float64, axis Axis) error
}
