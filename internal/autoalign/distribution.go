package autoalign

import (
	"fmt"
	"math"

	"autoalign/internal/align"
)

// gridLines is the number of grid lines per axis; the detector is split into
// (gridLines-1)^2 cells.
const gridLines = 8

// CheckDistribution splits the detector into a 7x7 grid and requires every cell to hold at
// least n/(2*64) stars, where n is the catalogue size. When width or height is zero the
// catalogue extent plus one pixel is used instead.
func CheckDistribution(stars []align.Star, width, height int) error {
	w, h := float64(width), float64(height)
	if w <= 0 || h <= 0 {
		w, h = 0, 0
		for _, s := range stars {
			w = math.Max(w, s.X)
			h = math.Max(h, s.Y)
		}
		w, h = math.Ceil(w)+1, math.Ceil(h)+1
	}
	if len(stars) == 0 {
		return fmt.Errorf("%w: Stellar distribution not suitable for optical alignment.", align.ErrStarNotFound)
	}

	const cells = gridLines - 1
	var counts [cells][cells]int
	edge := func(size float64, i int) float64 { return size * float64(i) / cells }
	for _, s := range stars {
		for i := 0; i < cells; i++ {
			if !(s.X > edge(w, i) && s.X < edge(w, i+1)) {
				continue
			}
			for j := 0; j < cells; j++ {
				if s.Y > edge(h, j) && s.Y < edge(h, j+1) {
					counts[i][j]++
				}
			}
		}
	}

	need := float64(len(stars)) / 2 / (gridLines * gridLines)
	for i := range counts {
		for j := range counts[i] {
			if float64(counts[i][j]) < need {
				return fmt.Errorf("%w: Stellar distribution not suitable for optical alignment.", align.ErrStarNotFound)
			}
		}
	}
	return nil
}
