package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Zone is an axis-aligned detection rectangle in source-resolution pixels.
type Zone struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

// MotionConfig holds the motion detection tuning shared by all streams
// unless a stream overrides it.
type MotionConfig struct {
	Sensitivity    int     `yaml:"sensitivity"`
	MinArea        int     `yaml:"minArea"`
	CooldownSec    int     `yaml:"cooldown"`
	Zones          []Zone  `yaml:"zones"`
	DetectionScale float64 `yaml:"detectionScale"`
	BlurKernel     int     `yaml:"blurKernel"`
	FrameSkip      int     `yaml:"frameSkip"`
}

// EncoderConfig describes the external re-encoding process. Only the
// parameters the agent controls are configurable, the binary does the rest.
type EncoderConfig struct {
	Binary string `yaml:"binary"`
	// Output is the target the encoder pushes to. The stream id is appended
	// as a path element.
	Output string `yaml:"output"`
}

// ChunkConfig controls the motion-triggered clip recorder defaults.
type ChunkConfig struct {
	Dir         string `yaml:"dir"`
	DurationSec int    `yaml:"duration"`
	FPS         int    `yaml:"fps"`
}

// TelegramConfig configures the alert collaborator. Empty token or chat
// disables it.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatID"`
}

// StreamConfig is the per-camera configuration. It is immutable while a
// stream runs; changes replace the whole stream.
type StreamConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Chunking bool   `yaml:"chunking" json:"chunking"`

	// zero means "use the agent-wide default"
	ChunkDuration int `yaml:"chunkDuration" json:"chunkDuration"`
	ChunkFPS      int `yaml:"chunkFPS" json:"chunkFPS"`

	// optional per-stream motion overrides, nil means agent-wide settings
	Motion *MotionConfig `yaml:"motion" json:"-"`
}

// Config is the agent-wide configuration.
type Config struct {
	Motion  MotionConfig  `yaml:"motion"`
	Encoder EncoderConfig `yaml:"encoder"`
	Chunks  ChunkConfig   `yaml:"chunks"`

	HighFPS        int `yaml:"highFPS"`
	LowFPS         int `yaml:"lowFPS"`
	DefaultBitrate int `yaml:"defaultBitrate"`
	LowBitrate     int `yaml:"lowBitrate"`

	// egress Mbps below which the agent switches to low quality
	SlowThresholdMbps float64 `yaml:"slowThresholdMbps"`

	Telegram TelegramConfig `yaml:"telegram"`

	ListenAddress string `yaml:"listenAddress"`
	EventDir      string `yaml:"eventDir"`

	Streams []StreamConfig `yaml:"streams"`
}

// Parse parses the config from a yaml file at path and fills defaults.
func Parse(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Default returns a config with all defaults filled.
func Default() Config {
	cfg := Config{}
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	c.Motion.fillDefaults()
	if c.Encoder.Binary == "" {
		c.Encoder.Binary = "ffmpeg"
	}
	if c.Chunks.Dir == "" {
		c.Chunks.Dir = "tmp/chunks"
	}
	if c.Chunks.DurationSec <= 0 {
		c.Chunks.DurationSec = 5
	}
	if c.Chunks.FPS <= 0 {
		c.Chunks.FPS = 2
	}
	if c.HighFPS <= 0 {
		c.HighFPS = 25
	}
	if c.LowFPS <= 0 {
		c.LowFPS = 1
	}
	if c.DefaultBitrate <= 0 {
		c.DefaultBitrate = 2000000
	}
	if c.LowBitrate <= 0 {
		c.LowBitrate = c.DefaultBitrate / 4
		if c.LowBitrate < 400000 {
			c.LowBitrate = 400000
		}
	}
	if c.SlowThresholdMbps <= 0 {
		c.SlowThresholdMbps = 2
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":5000"
	}
	if c.EventDir == "" {
		c.EventDir = "logs"
	}
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.ChunkDuration <= 0 {
			s.ChunkDuration = c.Chunks.DurationSec
		}
		if s.ChunkFPS <= 0 {
			s.ChunkFPS = c.Chunks.FPS
		}
		if s.Motion != nil {
			s.Motion.fillDefaults()
		}
	}
}

func (m *MotionConfig) fillDefaults() {
	if m.Sensitivity <= 0 {
		m.Sensitivity = 25
	}
	if m.MinArea <= 0 {
		m.MinArea = 500
	}
	if m.CooldownSec <= 0 {
		m.CooldownSec = 10
	}
	if m.DetectionScale <= 0 || m.DetectionScale > 1 {
		m.DetectionScale = 0.25
	}
	if m.BlurKernel <= 0 {
		m.BlurKernel = 5
	}
	if m.BlurKernel%2 == 0 {
		m.BlurKernel++
	}
	if m.FrameSkip < 1 {
		m.FrameSkip = 2
	}
}

// MotionFor returns the effective motion config for a stream.
func (c *Config) MotionFor(s StreamConfig) MotionConfig {
	if s.Motion != nil {
		return *s.Motion
	}
	return c.Motion
}
