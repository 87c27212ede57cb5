// Package pipeline supervises one stream's re-encoding process and the
// control loop that drives it from motion and network state.
package pipeline

import (
	"strconv"
)

// Profile holds the quality tiers a stream switches between.
type Profile struct {
	HighFPS        int
	LowFPS         int
	DefaultBitrate int
	LowBitrate     int

	// optional output resolution, zero keeps the source resolution
	Width  int
	Height int
}

// Parameters is one concrete encoder configuration. A process runs with
// exactly one parameter set; changes mean a restart.
type Parameters struct {
	FPS     int
	Bitrate int
	Width   int
	Height  int
}

// SelectParameters maps motion and network state to encoder parameters.
// Degraded networks force the low bitrate regardless of motion; high frame
// rate follows motion alone.
func SelectParameters(motion, degraded bool, profile Profile) Parameters {
	params := Parameters{
		FPS:     profile.LowFPS,
		Bitrate: profile.DefaultBitrate,
		Width:   profile.Width,
		Height:  profile.Height,
	}
	if motion {
		params.FPS = profile.HighFPS
	}
	if degraded || !motion {
		params.Bitrate = profile.LowBitrate
	}
	return params
}

// formatBitrate renders a bit rate the way encoder CLIs expect it, in
// whole megabits or kilobits.
func formatBitrate(bitrate int) string {
	if bitrate >= 1000000 {
		return strconv.Itoa(bitrate/1000000) + "M"
	}
	return strconv.Itoa(bitrate/1000) + "k"
}
