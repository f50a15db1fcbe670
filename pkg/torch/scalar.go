// Package torch contains the flat float32 kernels the models are built from.
//
// Activations use a (B, T, C) row-major layout: batch, sequence position, channel.
// Backward kernels accumulate into their gradient outputs unless documented otherwise,
// so callers must zero gradient buffers before a backward pass.
package torch

import "math"

var (
	// GELUSCALEFACTOR is sqrt(2/pi), used by the tanh GELU approximation.
	GELUSCALEFACTOR = Sqrt(2.0 / math.Pi)
)

// Abs returns the absolute value of x.
func Abs(x float32) float32 {
	if x > 0 {
		return x
	}
	return -x
}

// Tanh returns the hyperbolic tangent of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Exp returns e**x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Log returns the natural logarithm of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// Inf32 returns positive infinity if sign >= 0, negative infinity otherwise.
func Inf32(sign int) float32 {
	return float32(math.Inf(sign))
}
