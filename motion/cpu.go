package motion

import (
	"image"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// CPUDetector runs the full differencing pipeline on the CPU.
type CPUDetector struct {
	mutex    sync.Mutex
	settings Settings
	state    state
	prev     gocv.Mat
	log      zerolog.Logger

	analyze func(frame gocv.Mat) bool
}

func NewCPUDetector(settings Settings) *CPUDetector {
	settings.normalize()
	d := &CPUDetector{
		settings: settings,
		state:    newState(),
		prev:     gocv.NewMat(),
		log:      log.With().Str("context", "motion").Logger(),
	}
	d.analyze = d.analyzeFrame
	return d
}

func (d *CPUDetector) Detect(frame gocv.Mat) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state.skip(d.settings.FrameSkip) {
		return d.state.lastState
	}
	return d.detect(frame)
}

// detect runs one analysis pass behind a recover fence. The gocv bindings
// surface OpenCV errors as panics, so a failed pass reads as a still frame
// instead of unwinding into the control loop. Caller holds the mutex.
func (d *CPUDetector) detect(frame gocv.Mat) (active bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn().Interface("error", r).Msg("detection failed, treating frame as still")
			active = d.state.update(false, d.settings.Cooldown)
		}
	}()
	return d.analyze(frame)
}

// analyzeFrame is the differencing pipeline for one frame.
func (d *CPUDetector) analyzeFrame(frame gocv.Mat) bool {
	if frame.Empty() {
		return d.state.update(false, d.settings.Cooldown)
	}

	gray := d.processed(frame)
	if d.prev.Empty() {
		d.prev.Close()
		d.prev = gray
		return d.state.baseline()
	}

	delta := gocv.NewMat()
	gocv.AbsDiff(d.prev, gray, &delta)

	thresh := gocv.NewMat()
	gocv.Threshold(delta, &thresh, float32(d.settings.Sensitivity), 255, gocv.ThresholdBinary)
	delta.Close()

	dilate(&thresh)

	motion := d.maskAndMeasure(&thresh)
	thresh.Close()

	d.prev.Close()
	d.prev = gray
	return d.state.update(motion, d.settings.Cooldown)
}

// processed downscales, greyscales and blurs the frame.
func (d *CPUDetector) processed(frame gocv.Mat) gocv.Mat {
	scaled := scaledSize(frame.Cols(), frame.Rows(), d.settings.DetectionScale)

	resized := gocv.NewMat()
	gocv.Resize(frame, &resized, scaled, 0, 0, gocv.InterpolationArea)

	gray := gocv.NewMat()
	gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	resized.Close()

	k := d.settings.BlurKernel
	gocv.GaussianBlur(gray, &gray, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	return gray
}

// maskAndMeasure applies the configured zones to the thresholded image and
// reports whether any remaining contour exceeds the scaled minimum area.
func (d *CPUDetector) maskAndMeasure(thresh *gocv.Mat) bool {
	if len(d.settings.Zones) > 0 {
		zones := scaleZones(d.settings.Zones, d.settings.DetectionScale,
			image.Pt(thresh.Cols(), thresh.Rows()))
		applyZoneMask(thresh, zones)
	}
	return hasMotion(*thresh, d.settings.MinArea, d.settings.DetectionScale)
}

func (d *CPUDetector) UpdateSettings(update Settings) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.settings.merge(update)
}

func (d *CPUDetector) Settings() Settings {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.settings
}

func (d *CPUDetector) Info() Info {
	return Info{Mode: "cpu", Accelerated: false}
}

func (d *CPUDetector) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.prev.Close()
}

func scaledSize(w, h int, scale float64) image.Point {
	sw := int(float64(w) * scale)
	sh := int(float64(h) * scale)
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return image.Pt(sw, sh)
}

// dilate merges close motion regions with two dilation passes.
func dilate(thresh *gocv.Mat) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	gocv.Dilate(*thresh, thresh, kernel)
	gocv.Dilate(*thresh, thresh, kernel)
}

// applyZoneMask blanks everything outside the zone rectangles. An empty
// zone list after clamping suppresses all motion for this frame.
func applyZoneMask(thresh *gocv.Mat, zones []image.Rectangle) {
	mask := gocv.Zeros(thresh.Rows(), thresh.Cols(), gocv.MatTypeCV8UC1)
	defer mask.Close()
	for _, z := range zones {
		region := mask.Region(z)
		region.SetTo(gocv.NewScalar(255, 0, 0, 0))
		region.Close()
	}
	masked := gocv.NewMat()
	gocv.BitwiseAndWithMask(*thresh, *thresh, &masked, mask)
	thresh.Close()
	*thresh = masked
}

// hasMotion checks external contours against the minimum area, which is
// configured in full-resolution pixels and scaled down to the analyzed
// image.
func hasMotion(thresh gocv.Mat, minArea int, scale float64) bool {
	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	limit := float64(minArea) * scale * scale
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) > limit {
			return true
		}
	}
	return false
}
