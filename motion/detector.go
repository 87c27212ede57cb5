// Package motion implements per-stream motion detection by frame
// differencing, with a CPU strategy and a CUDA-accelerated strategy behind
// one contract.
package motion

import (
	"gocv.io/x/gocv"
	"gocv.io/x/gocv/cuda"
)

// Detector is the per-stream motion detection contract. Implementations are
// stateful: Detect compares against the previously analyzed frame and
// applies cooldown hysteresis.
type Detector interface {
	// Detect reports whether the stream is considered active after this
	// frame. The frame is borrowed, never retained past the call.
	Detect(frame gocv.Mat) bool

	// UpdateSettings applies the non-zero fields of update. Safe to call
	// concurrently with Detect.
	UpdateSettings(update Settings)

	// Settings returns a snapshot of the current settings.
	Settings() Settings

	Info() Info

	Close()
}

// Info describes the strategy currently in use.
type Info struct {
	Mode        string `json:"mode"`
	Accelerated bool   `json:"accelerated"`
}

// New constructs a detector for the probed hardware capability: the CUDA
// strategy when a device is present, the CPU strategy otherwise. The CUDA
// strategy falls back to the CPU path permanently on its first runtime
// failure.
func New(settings Settings) Detector {
	if cuda.GetCudaEnabledDeviceCount() > 0 {
		return NewCUDADetector(settings)
	}
	return NewCPUDetector(settings)
}
