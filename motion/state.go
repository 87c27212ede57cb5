package motion

import (
	"image"
	"time"
)

// state tracks the detector bookkeeping that is independent of the image
// backend: frame skipping and cooldown hysteresis.
type state struct {
	frameCounter uint64
	lastMotion   time.Time
	lastState    bool
	baselined    bool
	now          func() time.Time
}

func newState() state {
	return state{now: time.Now}
}

// skip advances the frame counter and reports whether this call should
// reuse the previous result instead of analyzing the frame.
func (st *state) skip(frameSkip int) bool {
	st.frameCounter++
	if frameSkip <= 1 {
		return false
	}
	return st.frameCounter%uint64(frameSkip) != 0
}

// update records the outcome of one analyzed frame and returns the reported
// state: active on fresh motion or while inside the cooldown window.
func (st *state) update(motion bool, cooldown time.Duration) bool {
	now := st.now()
	if motion {
		st.lastMotion = now
	}
	st.lastState = motion || (!st.lastMotion.IsZero() && now.Sub(st.lastMotion) < cooldown)
	return st.lastState
}

// baseline records the first analyzed frame; the detector reports inactive
// until a diff against a previous frame exists.
func (st *state) baseline() bool {
	st.baselined = true
	st.lastState = false
	return false
}

// scaleZones maps source-resolution zones onto the downsampled image,
// clamped to its bounds. Zones fully outside the image collapse to empty
// rectangles and are skipped by the caller.
func scaleZones(zones []image.Rectangle, scale float64, bounds image.Point) []image.Rectangle {
	limit := image.Rect(0, 0, bounds.X, bounds.Y)
	scaled := make([]image.Rectangle, 0, len(zones))
	for _, z := range zones {
		r := image.Rect(
			int(float64(z.Min.X)*scale),
			int(float64(z.Min.Y)*scale),
			int(float64(z.Max.X)*scale),
			int(float64(z.Max.Y)*scale),
		).Intersect(limit)
		if r.Empty() {
			continue
		}
		scaled = append(scaled, r)
	}
	return scaled
}
