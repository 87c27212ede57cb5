package motion

import (
	"image"
	"time"

	"github.com/voc/edge-agent/config"
)

// Settings holds the detector tuning. Zero values in an UpdateSettings call
// keep the current value; a non-nil empty zone list clears the zones.
type Settings struct {
	// threshold for the binary diff, 0-255, lower is more sensitive
	Sensitivity int

	// minimum contour area in full-resolution pixels
	MinArea int

	// how long the detector stays active after the last motion frame
	Cooldown time.Duration

	// detection rectangles in source-resolution coordinates, empty means
	// the whole frame
	Zones []image.Rectangle

	// downsampling factor applied before analysis
	DetectionScale float64

	// gaussian kernel size, forced odd
	BlurKernel int

	// only every Nth frame is analyzed
	FrameSkip int
}

// SettingsFromConfig maps the config shape onto detector settings.
func SettingsFromConfig(mc config.MotionConfig) Settings {
	// nil stays nil so a partial update without zones keeps the current
	// ones
	var zones []image.Rectangle
	if mc.Zones != nil {
		zones = make([]image.Rectangle, 0, len(mc.Zones))
		for _, z := range mc.Zones {
			zones = append(zones, image.Rect(z.X, z.Y, z.X+z.W, z.Y+z.H))
		}
	}
	return Settings{
		Sensitivity:    mc.Sensitivity,
		MinArea:        mc.MinArea,
		Cooldown:       time.Duration(mc.CooldownSec) * time.Second,
		Zones:          zones,
		DetectionScale: mc.DetectionScale,
		BlurKernel:     mc.BlurKernel,
		FrameSkip:      mc.FrameSkip,
	}
}

// merge applies the non-zero fields of update onto s.
func (s *Settings) merge(update Settings) {
	if update.Sensitivity > 0 {
		s.Sensitivity = update.Sensitivity
	}
	if update.MinArea > 0 {
		s.MinArea = update.MinArea
	}
	if update.Cooldown > 0 {
		s.Cooldown = update.Cooldown
	}
	if update.Zones != nil {
		s.Zones = update.Zones
	}
	if update.DetectionScale > 0 && update.DetectionScale <= 1 {
		s.DetectionScale = update.DetectionScale
	}
	if update.BlurKernel > 0 {
		s.BlurKernel = update.BlurKernel
		if s.BlurKernel%2 == 0 {
			s.BlurKernel++
		}
	}
	if update.FrameSkip > 0 {
		s.FrameSkip = update.FrameSkip
	}
}

// normalize fills unusable values with the defaults the rest of the agent
// assumes.
func (s *Settings) normalize() {
	if s.Sensitivity <= 0 {
		s.Sensitivity = 25
	}
	if s.MinArea <= 0 {
		s.MinArea = 500
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 10 * time.Second
	}
	if s.DetectionScale <= 0 || s.DetectionScale > 1 {
		s.DetectionScale = 0.25
	}
	if s.BlurKernel <= 0 {
		s.BlurKernel = 5
	}
	if s.BlurKernel%2 == 0 {
		s.BlurKernel++
	}
	if s.FrameSkip < 1 {
		s.FrameSkip = 1
	}
}
