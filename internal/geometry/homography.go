// Package geometry implements planar homography estimation. It is used to
// verify that keypoint matches between two images agree on a single
// projective transform before the images are reported as similar.
package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNotEnoughPoints indicates fewer than four correspondences were given.
var ErrNotEnoughPoints = errors.New("homography estimation needs at least 4 point pairs")

// ErrNoConsensus indicates no sample produced a usable fit.
var ErrNoConsensus = errors.New("no homography consensus found")

// Point is a 2D image coordinate.
type Point struct {
	X float64
	Y float64
}

// Homography is a 3×3 projective transform mapping source points to
// destination points in homogeneous coordinates.
type Homography struct {
	m *mat.Dense
}

// At returns the matrix element at row i, column j.
func (h Homography) At(i, j int) float64 { return h.m.At(i, j) }

// Det returns the determinant of the full 3×3 matrix.
func (h Homography) Det() float64 { return mat.Det(h.m) }

// TopLeftCondition returns the 2-norm condition number (ratio of singular
// values) of the upper-left 2×2 block. It is +Inf when the block is rank
// deficient.
func (h Homography) TopLeftCondition() float64 {
	block := mat.NewDense(2, 2, []float64{
		h.m.At(0, 0), h.m.At(0, 1),
		h.m.At(1, 0), h.m.At(1, 1),
	})
	var svd mat.SVD
	if !svd.Factorize(block, mat.SVDNone) {
		return math.Inf(1)
	}
	values := svd.Values(nil)
	if values[1] == 0 {
		return math.Inf(1)
	}
	return values[0] / values[1]
}

// Apply transforms a point. Points on the horizon (zero homogeneous weight)
// map to infinity.
func (h Homography) Apply(p Point) Point {
	w := h.m.At(2, 0)*p.X + h.m.At(2, 1)*p.Y + h.m.At(2, 2)
	if w == 0 {
		return Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return Point{
		X: (h.m.At(0, 0)*p.X + h.m.At(0, 1)*p.Y + h.m.At(0, 2)) / w,
		Y: (h.m.At(1, 0)*p.X + h.m.At(1, 1)*p.Y + h.m.At(1, 2)) / w,
	}
}

// reprojectionDistance returns the Euclidean distance between H(src) and dst.
func (h Homography) reprojectionDistance(src, dst Point) float64 {
	p := h.Apply(src)
	return math.Hypot(p.X-dst.X, p.Y-dst.Y)
}

// normalisation maps a point set to centroid zero and mean distance √2
// (Hartley normalisation), which conditions the DLT system.
type normalisation struct {
	cx, cy, scale float64
}

func normalise(points []Point) normalisation {
	var cx, cy float64
	for _, p := range points {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(points))
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range points {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n

	scale := 1.0
	if meanDist > 0 {
		scale = math.Sqrt2 / meanDist
	}
	return normalisation{cx: cx, cy: cy, scale: scale}
}

func (t normalisation) apply(p Point) Point {
	return Point{X: t.scale * (p.X - t.cx), Y: t.scale * (p.Y - t.cy)}
}

// matrix returns the normalisation as a 3×3 transform.
func (t normalisation) matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		t.scale, 0, -t.scale * t.cx,
		0, t.scale, -t.scale * t.cy,
		0, 0, 1,
	})
}

// fit solves the direct linear transform for the given correspondences in a
// least-squares sense: the homography is the right singular vector of the
// 2n×9 design matrix with the smallest singular value, denormalised back to
// pixel coordinates.
func fit(src, dst []Point) (Homography, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return Homography{}, ErrNotEnoughPoints
	}

	tSrc := normalise(src)
	tDst := normalise(dst)

	n := len(src)
	a := mat.NewDense(2*n, 9, nil)
	for i := range src {
		s := tSrc.apply(src[i])
		d := tDst.apply(dst[i])
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	// Full V is required: with the minimal 4-point system the design matrix
	// has more columns than rows and the null-space vector only appears in
	// the full factorisation.
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return Homography{}, ErrNoConsensus
	}
	var v mat.Dense
	svd.VTo(&v)

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, v.At(3*i+j, 8))
		}
	}

	// Denormalise: H = T_dst⁻¹ · H_norm · T_src.
	var inv mat.Dense
	if err := inv.Inverse(tDst.matrix()); err != nil {
		return Homography{}, ErrNoConsensus
	}
	var tmp, out mat.Dense
	tmp.Mul(h, tSrc.matrix())
	out.Mul(&inv, &tmp)

	if w := out.At(2, 2); w != 0 {
		out.Scale(1/w, &out)
	}
	return Homography{m: &out}, nil
}
