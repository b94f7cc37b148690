package mathx

import "math"

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Linear applies a*x + b.
func Linear(x, a, b float64) float64 { return a*x + b }
