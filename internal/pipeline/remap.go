package pipeline

import "math"

// scaleMandatoryPercent maps the mandatory stage's native 0-100 progress into
// the job-visible 0-50 band, used only when a video stage will follow.
func scaleMandatoryPercent(native int) int {
	return int(math.Round(float64(native) * 0.5))
}

// remapOptionalPercent maps the optional video stage's native 0-100 progress
// into the job-visible 50-95 band: 0 -> 50, 100 -> 95.
func remapOptionalPercent(native int) int {
	return 50 + int(math.Round(float64(native)*0.45))
}
