package align

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatSexagesimal renders an angle in degrees as [-]D:MM:SS.ss.
func FormatSexagesimal(deg float64) string {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return strconv.FormatFloat(deg, 'f', -1, 64)
	}
	// work in hundredths of an arcsecond so rounding carries into minutes and degrees
	total := int64(math.Round(math.Abs(deg) * 3600 * 100))
	sign := ""
	if deg < 0 && total > 0 {
		sign = "-"
	}
	d := total / 360000
	rem := total % 360000
	m := rem / 6000
	cs := rem % 6000
	return fmt.Sprintf("%s%d:%02d:%02d.%02d", sign, d, m, cs/100, cs%100)
}

// FormatLinear renders a linear offset as a plain decimal number.
func FormatLinear(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatStep returns the five-line offset block for one iteration.
func FormatStep(p Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Offset X: %s\n", FormatLinear(p.X))
	fmt.Fprintf(&b, "# Offset Y: %s\n", FormatLinear(p.Y))
	fmt.Fprintf(&b, "# Offset Z: %s\n", FormatLinear(p.Z))
	fmt.Fprintf(&b, "# Offset U: %s\n", FormatSexagesimal(p.U))
	fmt.Fprintf(&b, "# Offset V: %s\n", FormatSexagesimal(p.V))
	return b.String()
}

// FormatFinal returns the terminal success line.
func FormatFinal(p Position) string {
	return fmt.Sprintf("Best focus position found at %s.\n", FormatLinear(p.Z))
}
