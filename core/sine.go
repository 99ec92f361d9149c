package core

import "math"

// Phase accumulator constants: a full turn is 2^32.
const (
	SineTableSize = 256

	Phase120 uint32 = 0x55555555
	Phase180 uint32 = 0x80000000

	sineIndexShift = 22
	sineFracMask   = 1<<sineIndexShift - 1
	sineFracScale  = 1.0 / (1 << sineIndexShift)
)

// sineTable holds a quarter wave plus the duplicated 90° endpoint so the
// interpolation at index 255 can always read index+1.
var sineTable = func() (t [SineTableSize + 1]float32) {
	for i := range t {
		t[i] = float32(math.Sin(float64(i) * (math.Pi / 2) / SineTableSize))
	}
	return t
}()

// Sin returns the sine of a full-turn fixed-point angle using the quarter
// wave table with linear interpolation. Safe for interrupt context.
func Sin(phase uint32) float32 {
	quadrant := phase >> 30
	idx := (phase & 0x3FFFFFFF) >> sineIndexShift
	frac := float32(phase&sineFracMask) * sineFracScale

	var a, b float32
	if quadrant&1 == 0 {
		a, b = sineTable[idx], sineTable[idx+1]
	} else {
		idx = SineTableSize - 1 - idx
		a, b = sineTable[idx+1], sineTable[idx]
	}
	v := a + (b-a)*frac
	if quadrant >= 2 {
		v = -v
	}
	return v
}

// PhaseFromDegrees converts degrees in [0,360) to a full-turn angle.
func PhaseFromDegrees(deg float32) uint32 {
	return uint32(float64(deg) * 4294967296.0 / 360.0)
}

// PhaseDelta returns the signed per-period accumulator step for a rotation
// of speedHz at a carrier of freqHz. Half a turn per period wraps to
// math.MinInt32, which advances the accumulator identically either way.
func PhaseDelta(speedHz, freqHz float32) int32 {
	return int32(uint32(int64(float64(speedHz) / float64(freqHz) * 4294967296.0)))
}
