package app

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

// repeatGuard swallows key auto-repeat while the hotkey is held.
const repeatGuard = 300 * time.Millisecond

var modifierNames = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"option":  "alt",
	"cmd":     "cmd",
	"command": "cmd",
	"super":   "cmd",
}

// ParseHotkey splits a key combination such as "ctrl+shift+space" into gohook key
// names. The last element is the trigger key.
func ParseHotkey(combo string) ([]string, error) {
	combo = strings.ToLower(strings.TrimSpace(combo))
	if combo == "" {
		return nil, fmt.Errorf("empty hotkey")
	}

	parts := strings.Split(combo, "+")
	keys := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("invalid hotkey %q", combo)
		}
		if m, ok := modifierNames[p]; ok {
			if i == len(parts)-1 {
				return nil, fmt.Errorf("hotkey %q has no trigger key", combo)
			}
			p = m
		} else if i != len(parts)-1 {
			return nil, fmt.Errorf("unknown modifier %q in %q", p, combo)
		}
		keys = append(keys, p)
	}
	return keys, nil
}

// HotkeyManager listens for a global push-to-talk key.
type HotkeyManager struct {
	keys    []string
	onPress func()

	mu      sync.Mutex
	running bool
	last    time.Time
	done    chan struct{}
}

// NewHotkeyManager creates a manager for the given key combination.
func NewHotkeyManager(combo string, onPress func()) (*HotkeyManager, error) {
	keys, err := ParseHotkey(combo)
	if err != nil {
		return nil, err
	}
	return &HotkeyManager{keys: keys, onPress: onPress}, nil
}

// Start registers the global hook. It needs accessibility permission on
// macOS and an X server on Linux.
func (h *HotkeyManager) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	hook.Register(hook.KeyDown, h.keys, func(hook.Event) { h.press(time.Now()) })
	events := hook.Start()
	h.done = make(chan struct{})
	h.running = true

	go func(done chan struct{}) {
		defer close(done)
		<-hook.Process(events)
	}(h.done)

	slog.Info("hotkey registered", "keys", strings.Join(h.keys, "+"))
	return nil
}

// press fires onPress unless it is a repeat of the previous press.
func (h *HotkeyManager) press(now time.Time) bool {
	h.mu.Lock()
	if now.Sub(h.last) < repeatGuard {
		h.mu.Unlock()
		return false
	}
	h.last = now
	h.mu.Unlock()

	if h.onPress != nil {
		h.onPress()
	}
	return true
}

// Stop unregisters the hook.
func (h *HotkeyManager) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	done := h.done
	h.mu.Unlock()

	hook.End()
	<-done
}
