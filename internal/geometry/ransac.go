package geometry

import (
	"math"
	"math/rand"
	"slices"
)

const (
	maxIterations = 2000
	confidence    = 0.995
	sampleSize    = 4
	// collinearArea is the minimum triangle area (in squared pixels) below
	// which three sampled points count as collinear and the sample is
	// rejected as degenerate.
	collinearArea = 1e-6
	// rngSeed makes estimation reproducible: identical inputs yield
	// identical fits across calls and processes.
	rngSeed = 1
)

// EstimateRANSAC fits a homography mapping src to dst, tolerating outliers.
// threshold is the maximum reprojection distance in pixels for a
// correspondence to count as an inlier. It returns the refitted homography
// over the best consensus set together with the inlier mask.
func EstimateRANSAC(src, dst []Point, threshold float64) (Homography, []bool, error) {
	if len(src) < sampleSize || len(src) != len(dst) {
		return Homography{}, nil, ErrNotEnoughPoints
	}

	n := len(src)
	rng := rand.New(rand.NewSource(rngSeed))

	var (
		bestCount  int
		bestInlier []bool
	)

	iterations := maxIterations
	sample := make([]int, sampleSize)
	for iter := 0; iter < iterations; iter++ {
		sampleIndices(rng, n, sample)
		if degenerateSample(src, sample) || degenerateSample(dst, sample) {
			continue
		}

		srcSample := pick(src, sample)
		dstSample := pick(dst, sample)
		h, err := fit(srcSample, dstSample)
		if err != nil {
			continue
		}

		count, inlier := consensus(h, src, dst, threshold)
		if count > bestCount {
			bestCount = count
			bestInlier = inlier
			iterations = adaptIterations(count, n, iterations)
		}
	}

	if bestCount < sampleSize {
		return Homography{}, nil, ErrNoConsensus
	}

	// Refit over the full consensus set and recompute the mask against the
	// refined transform.
	h, err := fit(maskPick(src, bestInlier), maskPick(dst, bestInlier))
	if err != nil {
		return Homography{}, nil, err
	}
	_, inlier := consensus(h, src, dst, threshold)
	return h, inlier, nil
}

// sampleIndices fills sample with distinct random indices in [0, n).
func sampleIndices(rng *rand.Rand, n int, sample []int) {
	for i := range sample {
		for {
			candidate := rng.Intn(n)
			if !slices.Contains(sample[:i], candidate) {
				sample[i] = candidate
				break
			}
		}
	}
}

// degenerateSample reports whether any three of the sampled points are
// collinear, which leaves the DLT system underdetermined.
func degenerateSample(points []Point, sample []int) bool {
	for i := 0; i < len(sample); i++ {
		for j := i + 1; j < len(sample); j++ {
			for k := j + 1; k < len(sample); k++ {
				a, b, c := points[sample[i]], points[sample[j]], points[sample[k]]
				area := math.Abs((b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X))
				if area < collinearArea {
					return true
				}
			}
		}
	}
	return false
}

func pick(points []Point, indices []int) []Point {
	out := make([]Point, len(indices))
	for i, idx := range indices {
		out[i] = points[idx]
	}
	return out
}

func maskPick(points []Point, mask []bool) []Point {
	out := make([]Point, 0, len(points))
	for i, keep := range mask {
		if keep {
			out = append(out, points[i])
		}
	}
	return out
}

// consensus counts correspondences whose reprojection distance under h stays
// within threshold.
func consensus(h Homography, src, dst []Point, threshold float64) (int, []bool) {
	inlier := make([]bool, len(src))
	count := 0
	for i := range src {
		if h.reprojectionDistance(src[i], dst[i]) <= threshold {
			inlier[i] = true
			count++
		}
	}
	return count, inlier
}

// adaptIterations shrinks the iteration budget once a large consensus is
// found: with inlier ratio w, the chance a random sample is all-inlier is
// w⁴, and log(1-confidence)/log(1-w⁴) samples reach the confidence target.
func adaptIterations(inliers, total, current int) int {
	w := float64(inliers) / float64(total)
	p := 1 - math.Pow(w, sampleSize)
	if p <= 0 {
		return 1
	}
	needed := int(math.Ceil(math.Log(1-confidence) / math.Log(p)))
	if needed < 1 {
		needed = 1
	}
	if needed < current {
		return needed
	}
	return current
}
