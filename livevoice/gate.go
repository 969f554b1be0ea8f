package livevoice

import "go.aimuz.me/voicelink/pcm"

// DefaultSilenceThreshold is the mean absolute amplitude below which a
// captured frame is treated as silence.
const DefaultSilenceThreshold float32 = 0.005

// Gate drops silent frames before they reach the socket.
type Gate struct {
	threshold float32
}

// NewGate creates a gate. A non-positive threshold selects the default.
func NewGate(threshold float32) Gate {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return Gate{threshold: threshold}
}

// Threshold returns the configured level.
func (g Gate) Threshold() float32 { return g.threshold }

// Pass reports whether samples carry enough energy to transmit. A frame
// exactly at the threshold passes.
func (g Gate) Pass(samples []float32) (level float32, ok bool) {
	level = pcm.MeanAbs(samples)
	return level, level >= g.threshold
}
