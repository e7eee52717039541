package evaluate

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"reid/internal/errs"
	"reid/internal/models"
)

// DefaultBins is the per-axis bin count of the joint histogram.
const DefaultBins = 10

// MutualInformation returns the raw mutual information, in nats, of two
// position-correspondent intensity sequences. Each axis is binned into bins
// equal-width bins over its own [min, max]; the last bin is closed.
func MutualInformation(a, b []float64, bins int) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%d vs %d voxels: %w", len(a), len(b), errs.ErrShapeMismatch)
	}
	if len(a) == 0 {
		return 0, errors.New("mutual information of empty input")
	}
	if bins < 1 {
		return 0, fmt.Errorf("invalid bin count %d", bins)
	}

	ia := binIndices(a, bins)
	ib := binIndices(b, bins)

	joint := make([]float64, bins*bins)
	for i := range ia {
		joint[ia[i]*bins+ib[i]]++
	}
	floats.Scale(1/float64(len(a)), joint)

	px := make([]float64, bins)
	py := make([]float64, bins)
	for x := 0; x < bins; x++ {
		for y := 0; y < bins; y++ {
			p := joint[x*bins+y]
			px[x] += p
			py[y] += p
		}
	}

	mi := stat.Entropy(px) + stat.Entropy(py) - stat.Entropy(joint)
	// rounding can push a zero result slightly negative
	return math.Max(mi, 0), nil
}

// VolumeMutualInformation checks geometry before scoring two volumes.
func VolumeMutualInformation(ref, reg models.Volume, bins int) (float64, error) {
	if ref.Shape() != reg.Shape() {
		return 0, fmt.Errorf("reference %v vs registered %v: %w", ref.Shape(), reg.Shape(), errs.ErrShapeMismatch)
	}
	return MutualInformation(ref.Data, reg.Data, bins)
}

// MaxMutualInformation is the score of identical inputs, the entropy of the
// binned sequence.
func MaxMutualInformation(a []float64, bins int) float64 {
	if len(a) == 0 || bins < 1 {
		return 0
	}
	p := make([]float64, bins)
	for _, i := range binIndices(a, bins) {
		p[i]++
	}
	floats.Scale(1/float64(len(a)), p)
	return stat.Entropy(p)
}

func binIndices(v []float64, bins int) []int {
	lo, hi := floats.Min(v), floats.Max(v)
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / float64(bins)
	idx := make([]int, len(v))
	for i, x := range v {
		k := int((x - lo) / width)
		if k >= bins {
			k = bins - 1
		} else if k < 0 {
			k = 0
		}
		idx[i] = k
	}
	return idx
}
