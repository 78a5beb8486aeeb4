// Package score integrates per-frame pose deviations into a cumulative,
// frame-rate independent session score.
package score

import (
	"fmt"
	"math"

	"github.com/andresmejia3/groove/internal/config"
)

// Kernel maps a mean absolute angular deviation in degrees to a similarity,
// 1 for identical poses and decaying towards 0.
type Kernel func(meanAbsDiff float64) float64

// GaussianKernel returns exp(-(x/scale)^2).
func GaussianKernel(scale float64) Kernel {
	return func(x float64) float64 {
		r := x / scale
		return math.Exp(-(r * r))
	}
}

// ChordKernel decays with the chord length between two unit vectors x degrees
// apart, so it is invariant to full rotations. alpha is roughly the angle at
// which the similarity drops to 0.1.
func ChordKernel(alpha float64) Kernel {
	return func(x float64) float64 {
		return DegAngleScore(x, alpha)
	}
}

// DegAngleScore is exp(-(135/alpha) * sqrt(2(1-cos x))) with x in degrees.
func DegAngleScore(x, alpha float64) float64 {
	chord := math.Sqrt(2 * (1 - math.Cos(x*math.Pi/180)))
	return math.Exp(-(135 / alpha) * chord)
}

// KernelFor resolves the kernel named in the scoring configuration.
func KernelFor(cfg config.Scoring) (Kernel, error) {
	switch cfg.Kernel {
	case "", "gaussian":
		return GaussianKernel(cfg.DecayScale), nil
	case "chord":
		return ChordKernel(cfg.KernelAlpha), nil
	default:
		return nil, fmt.Errorf("unknown scoring kernel %q", cfg.Kernel)
	}
}
