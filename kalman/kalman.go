// Package kalman implements the constant-velocity Kalman filter used for box motion.
// The state is [cx, cy, a, h, vcx, vcy, va, vh], where a is the aspect ratio w/h.
// Measurement noise is scaled by detection confidence (NSA), so confident boxes pull harder.
package kalman

import (
	"gonum.org/v1/gonum/mat"
)

const (
	stdWeightPosition = 1.0 / 20
	stdWeightVelocity = 1.0 / 160

	ndim = 4
)

// Filter holds the motion and observation matrices. It has no per-track state and is
// safe to share between goroutines.
type Filter struct {
	motionMat *mat.Dense
	updateMat *mat.Dense
}

// New builds a filter with a time step of one frame.
func New() *Filter {
	dt := 1.0
	motionMat := mat.NewDense(2*ndim, 2*ndim, nil)
	updateMat := mat.NewDense(ndim, 2*ndim, nil)

	for i := 0; i < 2*ndim; i++ {
		motionMat.Set(i, i, 1.0)
		if i < ndim {
			motionMat.Set(i, ndim+i, dt)
		}
	}
	for i := 0; i < ndim; i++ {
		updateMat.Set(i, i, 1.0)
	}

	return &Filter{motionMat: motionMat, updateMat: updateMat}
}

// Initiate creates a track state from an unassociated measurement [cx, cy, a, h].
func (f *Filter) Initiate(m [4]float64) ([8]float64, [64]float64) {
	var mean [8]float64
	var cov [64]float64
	copy(mean[:4], m[:])

	h := m[3]
	std := [8]float64{
		2 * stdWeightPosition * h,
		2 * stdWeightPosition * h,
		1e-2,
		2 * stdWeightPosition * h,
		10 * stdWeightVelocity * h,
		10 * stdWeightVelocity * h,
		1e-5,
		10 * stdWeightVelocity * h,
	}
	for i, s := range std {
		cov[i*8+i] = s * s
	}
	return mean, cov
}

// Predict advances mean and cov by one step in place.
func (f *Filter) Predict(mean *[8]float64, cov *[64]float64) {
	h := mean[3]
	std := [8]float64{
		stdWeightPosition * h,
		stdWeightPosition * h,
		1e-2,
		stdWeightPosition * h,
		stdWeightVelocity * h,
		stdWeightVelocity * h,
		1e-5,
		stdWeightVelocity * h,
	}

	var next mat.VecDense
	next.MulVec(f.motionMat, mat.NewVecDense(8, mean[:]))
	for i := range mean {
		mean[i] = next.AtVec(i)
	}

	covMat := mat.NewDense(8, 8, cov[:])
	left := mat.NewDense(8, 8, nil)
	left.Mul(f.motionMat, covMat)
	covMat.Mul(left, f.motionMat.T())
	for i, s := range std {
		covMat.Set(i, i, covMat.At(i, i)+s*s)
	}
}

// Project maps the state into measurement space, adding measurement noise scaled by (1 - score).
func (f *Filter) Project(mean [8]float64, cov [64]float64, score float64) ([4]float64, [16]float64) {
	h := mean[3]
	std := [4]float64{
		stdWeightPosition * h,
		stdWeightPosition * h,
		1e-1,
		stdWeightPosition * h,
	}

	var pm [4]float64
	pmVec := mat.NewVecDense(4, pm[:])
	pmVec.MulVec(f.updateMat, mat.NewVecDense(8, mean[:]))

	var pc [16]float64
	pcMat := mat.NewDense(4, 4, pc[:])
	tmp := mat.NewDense(4, 8, nil)
	tmp.Mul(f.updateMat, mat.NewDense(8, 8, cov[:]))
	pcMat.Mul(tmp, f.updateMat.T())
	for i, s := range std {
		s *= 1 - score
		pcMat.Set(i, i, pcMat.At(i, i)+s*s)
	}
	return pm, pc
}

// Update corrects mean and cov in place with measurement m observed at confidence score.
// It reports false, leaving the state untouched, when the innovation covariance is not
// positive definite.
func (f *Filter) Update(mean *[8]float64, cov *[64]float64, m [4]float64, score float64) bool {
	pm, pc := f.Project(*mean, *cov, score)

	var ch mat.Cholesky
	if ok := ch.Factorize(mat.NewSymDense(4, pc[:])); !ok {
		return false
	}

	covMat := mat.NewDense(8, 8, cov[:])

	// gainT = S^-1 * H * P, the transposed Kalman gain (4x8).
	hp := mat.NewDense(4, 8, nil)
	hp.Mul(f.updateMat, covMat)
	gainT := mat.NewDense(4, 8, nil)
	if err := ch.SolveTo(gainT, hp); err != nil {
		return false
	}

	innovation := mat.NewDense(1, 4, nil)
	for i := 0; i < 4; i++ {
		innovation.Set(0, i, m[i]-pm[i])
	}
	delta := mat.NewDense(1, 8, nil)
	delta.Mul(innovation, gainT)

	// P - K S K^T
	sk := mat.NewDense(4, 8, nil)
	sk.Mul(mat.NewDense(4, 4, pc[:]), gainT)
	ksk := mat.NewDense(8, 8, nil)
	ksk.Mul(gainT.T(), sk)

	for i := 0; i < 8; i++ {
		mean[i] += delta.At(0, i)
	}
	covMat.Sub(covMat, ksk)
	return true
}

// XYAH converts a top-left/size box to the measurement vector.
func XYAH(x, y, w, h float64) [4]float64 {
	a := 0.0
	if h != 0 {
		a = w / h
	}
	return [4]float64{x + w/2, y + h/2, a, h}
}

// TLWH converts the position part of a state back to top-left/size.
func TLWH(mean [8]float64) (x, y, w, h float64) {
	h = mean[3]
	w = mean[2] * h
	return mean[0] - w/2, mean[1] - h/2, w, h
}
