package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHotkey(t *testing.T) {
	tests := []struct {
		combo    string
		want    []string
		wantErr bool
	}{
		{combo: "f8", want: []string{"f8"}},
		{combo: "Ctrl+Shift+Space", want: []string{"ctrl", "shift", "space"}},
		{combo: "option+command+k", want: []string{"alt", "cmd", "k"}},
		{combo: " alt + v ", want: []string{"alt", "v"}},
		{combo: "", wantErr: true},
		{combo: "ctrl+", wantErr: true},
		{combo: "ctrl+shift", wantErr: true},
		{combo: "hyper+k", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.combo, func(t *testing.T) {
			got, err := ParseHotkey(tt.combo)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHotkeyRepeatGuard(t *testing.T) {
	presses := 0
	h, err := NewHotkeyManager("f8", func() { presses++ })
	require.NoError(t, err)

	t0 := time.Unix(1000, 0)
	assert.True(t, h.press(t0))
	assert.False(t, h.press(t0.Add(100*time.Millisecond)))
	assert.True(t, h.press(t0.Add(repeatGuard)))
	assert.Equal(t, 2, presses)
}

func TestHotkeyStopWithoutStart(t *testing.T) {
	h, err := NewHotkeyManager("f8", nil)
	require.NoError(t, err)
	h.Stop()
}
