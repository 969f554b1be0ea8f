// Package config handles application configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appName        = "voicelink"
	configFileName = "config.yaml"
)

// Default endpoints.
const (
	DefaultLocalURL  = "ws://localhost:3000/realtime"
	DefaultRemoteURL = "wss://voice-116.aitency.net/realtime"
)

// Environment overrides.
const (
	EnvURL      = "VOICELINK_URL"
	EnvLogLevel = "VOICELINK_LOG_LEVEL"
)

// Config represents the application configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Audio    AudioConfig    `yaml:"audio"`

	// DataDir holds the session store. Empty means the user config dir.
	DataDir  string `yaml:"data_dir,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
	Hotkey   string `yaml:"hotkey,omitempty"`
}

// EndpointConfig selects the backend socket.
type EndpointConfig struct {
	LocalURL   string        `yaml:"local_url"`
	RemoteURL  string        `yaml:"remote_url"`
	Override   string        `yaml:"override,omitempty"`
	PingPeriod time.Duration `yaml:"ping_period"`
}

// AudioConfig holds capture and playback parameters.
type AudioConfig struct {
	CaptureRate      int     `yaml:"capture_rate"`
	OutputRate       int     `yaml:"output_rate"`
	FrameSize        int     `yaml:"frame_size"`
	SilenceThreshold float32 `yaml:"silence_threshold"`
	MinChunkBytes    int     `yaml:"min_chunk_bytes"`
	FFmpegPath       string  `yaml:"ffmpeg_path,omitempty"`
	FFplayPath       string  `yaml:"ffplay_path,omitempty"`
	InputDevice      string  `yaml:"input_device,omitempty"`

	// BargeIn interrupts playback when the user talks over the assistant.
	// Unset means on only where the capture path cancels echo.
	BargeIn          *bool   `yaml:"barge_in,omitempty"`
	BargeInThreshold float32 `yaml:"barge_in_threshold,omitempty"`
	BargeInFrames    int     `yaml:"barge_in_frames,omitempty"`
}

// BargeInEnabled resolves the barge-in setting. Without an explicit value
// it follows whether the capture path cancels echo.
func (a AudioConfig) BargeInEnabled(echoCancelled bool) bool {
	if a.BargeIn != nil {
		return *a.BargeIn
	}
	return echoCancelled
}

// Load loads configuration from the config file.
// Returns default config if file doesn't exist.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, fmt.Errorf("get config path: %w", err)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, applying defaults and env overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file from the working directory if one exists.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Save persists the configuration to disk.
func (c *Config) Save() error {
	path, err := configPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}
	return c.SaveFile(path)
}

// SaveFile writes the configuration to path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the numeric audio parameters.
func (c *Config) Validate() error {
	a := c.Audio
	if a.CaptureRate <= 0 || a.OutputRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if a.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive")
	}
	if a.SilenceThreshold < 0 || a.SilenceThreshold >= 1 {
		return fmt.Errorf("silence threshold out of range: %v", a.SilenceThreshold)
	}
	if a.MinChunkBytes < 0 {
		return fmt.Errorf("min chunk bytes must not be negative")
	}
	return nil
}

// DataPath returns the directory for persistent client state.
func (c *Config) DataPath() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, "data"), nil
}

// ResolveURL picks the backend endpoint. An explicit override wins, then a
// stored preference, then the local URL when host is a loopback name, else
// the remote URL.
func (c *Config) ResolveURL(host, override, stored string) string {
	return ResolveURL(c.Endpoint, host, override, stored)
}

// ResolveURL is the config-free form of (*Config).ResolveURL.
func ResolveURL(ep EndpointConfig, host, override, stored string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	if ep.Override != "" {
		return ep.Override
	}
	if stored = strings.TrimSpace(stored); stored != "" {
		return stored
	}
	if isLoopback(host) {
		return ep.LocalURL
	}
	return ep.RemoteURL
}

// ValidateURL reports whether raw is a usable websocket endpoint.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, configFileName), nil
}

func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			LocalURL:   DefaultLocalURL,
			RemoteURL:  DefaultRemoteURL,
			PingPeriod: 30 * time.Second,
		},
		Audio: AudioConfig{
			CaptureRate:      48000,
			OutputRate:       24000,
			FrameSize:        4096,
			SilenceThreshold: 0.005,
			MinChunkBytes:    100,
		},
		Hotkey: "f8",
	}
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.Endpoint.LocalURL == "" {
		c.Endpoint.LocalURL = d.Endpoint.LocalURL
	}
	if c.Endpoint.RemoteURL == "" {
		c.Endpoint.RemoteURL = d.Endpoint.RemoteURL
	}
	if c.Endpoint.PingPeriod == 0 {
		c.Endpoint.PingPeriod = d.Endpoint.PingPeriod
	}
	if c.Audio.CaptureRate == 0 {
		c.Audio.CaptureRate = d.Audio.CaptureRate
	}
	if c.Audio.OutputRate == 0 {
		c.Audio.OutputRate = d.Audio.OutputRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = d.Audio.FrameSize
	}
	if c.Audio.SilenceThreshold == 0 {
		c.Audio.SilenceThreshold = d.Audio.SilenceThreshold
	}
	if c.Audio.MinChunkBytes == 0 {
		c.Audio.MinChunkBytes = d.Audio.MinChunkBytes
	}
	if c.Hotkey == "" {
		c.Hotkey = d.Hotkey
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.Endpoint.Override = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}
