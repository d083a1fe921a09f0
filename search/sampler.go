package search

import (
	"math"

	"lukechampine.com/frand"
)

// sampleByVisits picks an index among the root children with probability
// proportional to N^(1/temperature). Used only for the first move of a
// game, to vary openings; temperature 0 is never sampled (callers take the
// argmax instead).
func sampleByVisits(children []rootChildStat, temperature float64) int {
	weights := make([]float64, len(children))
	var total float64
	for i, c := range children {
		if c.N == 0 {
			continue
		}
		w := math.Pow(float64(c.N), 1/temperature)
		weights[i] = w
		total += w
	}
	if total == 0 {
		return 0
	}
	r := frand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(children) - 1
}
