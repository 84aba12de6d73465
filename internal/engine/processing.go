package engine

import (
	"math"
	"sync/atomic"
)

// gainProcessing applies a fixed linear gain to captured audio, saturating
// at the 16-bit range
type gainProcessing struct {
	gain    float64
	clipped atomic.Uint64
}

func newGainProcessing(gain float64) *gainProcessing {
	return &gainProcessing{gain: gain}
}

func (g *gainProcessing) ProcessCaptureStream(frame []int16, _, _ int) error {
	if g.gain == 1 {
		return nil
	}
	for i, s := range frame {
		v := math.Round(float64(s) * g.gain)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
			g.clipped.Add(1)
		case v < math.MinInt16:
			v = math.MinInt16
			g.clipped.Add(1)
		}
		frame[i] = int16(v)
	}
	return nil
}

func (g *gainProcessing) ProcessRenderStream([]int16, int, int) error { return nil }
