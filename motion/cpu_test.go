package motion

import (
	"image"
	"testing"
	"time"

	"gocv.io/x/gocv"
	"gotest.tools/v3/assert"
)

// testSettings analyzes every frame at full resolution to keep the frames
// small and the assertions exact.
func testSettings() Settings {
	return Settings{
		Sensitivity:    25,
		MinArea:        20,
		Cooldown:       10 * time.Second,
		DetectionScale: 1,
		BlurKernel:     3,
		FrameSkip:      1,
	}
}

func blankFrame() gocv.Mat {
	return gocv.Zeros(90, 160, gocv.MatTypeCV8UC3)
}

// frameWithSquare draws a bright square on a black frame.
func frameWithSquare(r image.Rectangle) gocv.Mat {
	frame := blankFrame()
	region := frame.Region(r)
	region.SetTo(gocv.NewScalar(255, 255, 255, 0))
	region.Close()
	return frame
}

func detectOwned(d Detector, frame gocv.Mat) bool {
	defer frame.Close()
	return d.Detect(frame)
}

func TestIdenticalFramesNoMotion(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	defer d.Close()

	// first call establishes the baseline
	assert.Assert(t, !detectOwned(d, blankFrame()))
	// identical frames never report motion
	assert.Assert(t, !detectOwned(d, blankFrame()))
	assert.Assert(t, !detectOwned(d, blankFrame()))
}

func TestMovingSquareTriggersMotion(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	defer d.Close()

	assert.Assert(t, !detectOwned(d, blankFrame()))
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
}

func TestCooldownKeepsActive(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d.state.now = clock.now
	defer d.Close()

	assert.Assert(t, !detectOwned(d, blankFrame()))
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))

	// static frames stay active for the cooldown, then drop
	clock.advance(5 * time.Second)
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
	clock.advance(11 * time.Second)
	assert.Assert(t, !detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
}

func TestZoneMasksMotion(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	// zone covers only the top-left corner
	settings.Zones = []image.Rectangle{image.Rect(0, 0, 50, 50)}
	d := NewCPUDetector(settings)
	defer d.Close()

	assert.Assert(t, !detectOwned(d, blankFrame()))
	// motion outside the zone is ignored
	assert.Assert(t, !detectOwned(d, frameWithSquare(image.Rect(100, 50, 140, 80))))
	// motion inside the zone triggers
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
}

func TestZoneOutsideFrameClamped(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.Zones = []image.Rectangle{image.Rect(0, 0, 5000, 5000)}
	d := NewCPUDetector(settings)
	defer d.Close()

	// must not panic; zone is clamped to the whole frame
	assert.Assert(t, !detectOwned(d, blankFrame()))
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
}

func TestFrameSkipReturnsPreviousState(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.FrameSkip = 2
	d := NewCPUDetector(settings)
	defer d.Close()

	// call 1 is skipped (counter 1 of 2) and reports the zero state
	assert.Assert(t, !detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
	// call 2 analyzes: baseline, inactive
	assert.Assert(t, !detectOwned(d, blankFrame()))
	// call 3 skipped, call 4 analyzes the square against the baseline
	assert.Assert(t, !detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
	// call 5 skipped: previous active state is reported unchanged
	assert.Assert(t, detectOwned(d, blankFrame()))
}

// TestAnalysisPanicReadsAsStill checks that an OpenCV failure inside the
// analysis pass never escapes Detect and never poisons later calls.
func TestAnalysisPanicReadsAsStill(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	defer d.Close()

	assert.Assert(t, !detectOwned(d, blankFrame()))

	pipeline := d.analyze
	d.analyze = func(gocv.Mat) bool { panic("cv assertion failed") }
	assert.Assert(t, !detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))

	// the detector keeps working once the pipeline recovers
	d.analyze = pipeline
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))
}

// TestActivePanicHoldsCooldown checks that a failed pass while motion is
// active counts as a still frame, holding the cooldown window instead of
// dropping straight to idle.
func TestActivePanicHoldsCooldown(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d.state.now = clock.now
	defer d.Close()

	assert.Assert(t, !detectOwned(d, blankFrame()))
	assert.Assert(t, detectOwned(d, frameWithSquare(image.Rect(10, 10, 40, 40))))

	d.analyze = func(gocv.Mat) bool { panic("cv assertion failed") }
	clock.advance(5 * time.Second)
	assert.Assert(t, detectOwned(d, blankFrame()))
	clock.advance(11 * time.Second)
	assert.Assert(t, !detectOwned(d, blankFrame()))
}

func TestUpdateSettingsMerges(t *testing.T) {
	t.Parallel()
	d := NewCPUDetector(testSettings())
	defer d.Close()

	d.UpdateSettings(Settings{Sensitivity: 50, Zones: []image.Rectangle{}})

	got := d.Settings()
	assert.Equal(t, got.Sensitivity, 50)
	assert.Equal(t, got.MinArea, 20)
	assert.Equal(t, len(got.Zones), 0)
}
