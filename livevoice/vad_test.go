package livevoice

import "testing"

func TestSpeechDetectorHysteresis(t *testing.T) {
	d := NewSpeechDetector(SpeechConfig{Threshold: 0.1, Frames: 2, ReleaseFrames: 2})

	steps := []struct {
		level    float32
		started  bool
		inSpeech bool
	}{
		{0.2, false, false},
		{0.2, true, true},
		{0.2, false, true},
		{0.01, false, true}, // one quiet frame does not end speech
		{0.2, false, true},
		{0.01, false, true},
		{0.01, false, false},
		{0.2, false, false},
		{0.2, true, true},
	}
	for i, st := range steps {
		if got := d.Observe(st.level); got != st.started {
			t.Errorf("step %d: started = %v, want %v", i, got, st.started)
		}
		if d.InSpeech() != st.inSpeech {
			t.Errorf("step %d: InSpeech = %v, want %v", i, d.InSpeech(), st.inSpeech)
		}
	}

	d.Reset()
	if d.InSpeech() {
		t.Error("InSpeech after Reset")
	}
}

func TestSpeechDetectorDefaults(t *testing.T) {
	d := NewSpeechDetector(SpeechConfig{})
	for i := 0; i < DefaultSpeechFrames-1; i++ {
		if d.Observe(DefaultSpeechThreshold) {
			t.Fatalf("started after %d frames", i+1)
		}
	}
	if !d.Observe(DefaultSpeechThreshold) {
		t.Error("not started after DefaultSpeechFrames frames at the threshold")
	}
}
