package align

import (
	"strings"
	"testing"
)

func TestFormatSexagesimal(t *testing.T) {
	cases := []struct {
		name string
		deg  float64
		want string
	}{
		{"zero", 0, "0:00:00.00"},
		{"negative zero", -0.0, "0:00:00.00"},
		{"tiny negative rounds to zero", -1e-9, "0:00:00.00"},
		{"one degree", 1, "1:00:00.00"},
		{"ten arcsec", 10.0 / 3600, "0:00:10.00"},
		{"negative", -(1 + 30.0/60 + 15.5/3600), "-1:30:15.50"},
		{"carry into degrees", 0.9999999999, "1:00:00.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatSexagesimal(tc.deg); got != tc.want {
				t.Fatalf("FormatSexagesimal(%v) = %q, want %q", tc.deg, got, tc.want)
			}
		})
	}
}

func TestFormatStepLayout(t *testing.T) {
	out := FormatStep(Position{X: 0.012, Y: -0.5, Z: 1.25, U: 0, V: 10.0 / 3600})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	want := []string{
		"# Offset X: 0.012",
		"# Offset Y: -0.5",
		"# Offset Z: 1.25",
		"# Offset U: 0:00:00.00",
		"# Offset V: 0:00:10.00",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), out)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestFormatFinal(t *testing.T) {
	if got := FormatFinal(Position{Z: -0.034}); got != "Best focus position found at -0.034.\n" {
		t.Fatalf("unexpected final line %q", got)
	}
}
