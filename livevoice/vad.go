package livevoice

// Speech detector defaults. At 4096-sample frames and 48 kHz three frames
// are roughly a quarter second.
const (
	DefaultSpeechThreshold     float32 = 0.02
	DefaultSpeechFrames                = 3
	DefaultSpeechReleaseFrames         = 6
)

// SpeechConfig tunes the detector that decides when the user started
// talking over the assistant.
type SpeechConfig struct {
	Threshold     float32 // mean absolute level counted as speech
	Frames        int     // consecutive loud frames that start speech
	ReleaseFrames int     // consecutive quiet frames that end it
}

func (c *SpeechConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultSpeechThreshold
	}
	if c.Frames <= 0 {
		c.Frames = DefaultSpeechFrames
	}
	if c.ReleaseFrames <= 0 {
		c.ReleaseFrames = DefaultSpeechReleaseFrames
	}
}

// SpeechDetector is an energy detector with hysteresis. It is separate
// from the silence gate: the gate only keeps the noise floor off the
// socket, while speech needs a sustained, louder signal.
type SpeechDetector struct {
	cfg SpeechConfig

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewSpeechDetector creates a detector. Zero fields take the defaults.
func NewSpeechDetector(cfg SpeechConfig) *SpeechDetector {
	cfg.applyDefaults()
	return &SpeechDetector{cfg: cfg}
}

// Observe feeds the level of one frame. started is true only on the frame
// where speech begins.
func (d *SpeechDetector) Observe(level float32) (started bool) {
	if d.inSpeech {
		if level < d.cfg.Threshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.ReleaseFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
		return false
	}

	if level < d.cfg.Threshold {
		d.speechCount = 0
		return false
	}
	d.speechCount++
	if d.speechCount < d.cfg.Frames {
		return false
	}
	d.inSpeech = true
	d.speechCount = 0
	return true
}

// InSpeech reports the current state.
func (d *SpeechDetector) InSpeech() bool { return d.inSpeech }

// Reset clears internal state.
func (d *SpeechDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
