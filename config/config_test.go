package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "streams: []\n")

	cfg, err := Parse(path)
	assert.NilError(t, err)

	assert.Equal(t, cfg.Motion.Sensitivity, 25)
	assert.Equal(t, cfg.Motion.MinArea, 500)
	assert.Equal(t, cfg.Motion.CooldownSec, 10)
	assert.Equal(t, cfg.Motion.DetectionScale, 0.25)
	assert.Equal(t, cfg.Motion.BlurKernel, 5)
	assert.Equal(t, cfg.Motion.FrameSkip, 2)
	assert.Equal(t, cfg.HighFPS, 25)
	assert.Equal(t, cfg.LowFPS, 1)
	assert.Equal(t, cfg.DefaultBitrate, 2000000)
	assert.Equal(t, cfg.LowBitrate, 500000)
	assert.Equal(t, cfg.SlowThresholdMbps, 2.0)
	assert.Equal(t, cfg.Encoder.Binary, "ffmpeg")
}

func TestParseStreams(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
chunks:
  duration: 8
  fps: 4
streams:
  - id: cam1
    name: Front door
    url: rtsp://10.0.0.2/stream
    enabled: true
    chunking: true
  - id: cam2
    url: rtsp://10.0.0.3/stream
    chunkDuration: 3
    chunkFPS: 1
`)

	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, len(cfg.Streams), 2)

	// agent-wide chunk defaults are copied onto streams
	assert.Equal(t, cfg.Streams[0].ChunkDuration, 8)
	assert.Equal(t, cfg.Streams[0].ChunkFPS, 4)

	// per-stream values win
	assert.Equal(t, cfg.Streams[1].ChunkDuration, 3)
	assert.Equal(t, cfg.Streams[1].ChunkFPS, 1)
}

func TestBlurKernelForcedOdd(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "motion:\n  blurKernel: 6\n")

	cfg, err := Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Motion.BlurKernel, 7)
}

func TestMotionOverride(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Streams = []StreamConfig{{ID: "cam1", Motion: &MotionConfig{Sensitivity: 40}}}
	cfg.fillDefaults()

	m := cfg.MotionFor(cfg.Streams[0])
	assert.Equal(t, m.Sensitivity, 40)
	// remaining fields come from defaults
	assert.Equal(t, m.MinArea, 500)

	m = cfg.MotionFor(StreamConfig{ID: "other"})
	assert.Equal(t, m.Sensitivity, 25)
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Parse(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Assert(t, err != nil)
}
