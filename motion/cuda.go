package motion

import (
	"image"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/cuda"
)

// CUDADetector offloads resize, colour conversion, blur, diff and threshold
// to the GPU and downloads only the thresholded mask for contour
// extraction. Any runtime failure of the accelerated path downgrades the
// detector to the CPU strategy for the remainder of the process.
type CUDADetector struct {
	*CPUDetector

	gpuPrev  cuda.GpuMat
	blur     cuda.GaussianFilter
	blurSize int
	fellBack bool
}

func NewCUDADetector(settings Settings) *CUDADetector {
	d := &CUDADetector{
		CPUDetector: NewCPUDetector(settings),
	}
	d.gpuPrev = cuda.NewGpuMat()
	d.blurSize = d.settings.BlurKernel
	d.blur = cuda.NewGaussianFilter(gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC1,
		image.Pt(d.blurSize, d.blurSize), 0)
	d.log = d.log.With().Str("mode", "cuda").Logger()
	return d
}

func (d *CUDADetector) Detect(frame gocv.Mat) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state.skip(d.settings.FrameSkip) {
		return d.state.lastState
	}
	if d.fellBack {
		return d.detect(frame)
	}
	return d.detectCUDA(frame)
}

// detectCUDA runs one accelerated analysis pass. The gocv CUDA bindings
// abort on device errors, so the pass is fenced with a recover that flips
// the detector to the CPU path permanently.
func (d *CUDADetector) detectCUDA(frame gocv.Mat) (active bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn().Interface("error", r).Msg("accelerated detection failed, falling back to cpu")
			d.fellBack = true
			active = d.detect(frame)
		}
	}()

	if frame.Empty() {
		return d.state.update(false, d.settings.Cooldown)
	}

	gpuFrame := cuda.NewGpuMat()
	defer gpuFrame.Close()
	gpuFrame.Upload(frame)

	scaled := scaledSize(frame.Cols(), frame.Rows(), d.settings.DetectionScale)
	resized := cuda.NewGpuMat()
	defer resized.Close()
	cuda.Resize(gpuFrame, &resized, scaled, 0, 0, cuda.InterpolationLinear)

	gray := cuda.NewGpuMat()
	defer gray.Close()
	cuda.CvtColor(resized, &gray, gocv.ColorBGRToGray)

	blurred := cuda.NewGpuMat()
	d.blur.Apply(gray, &blurred)

	if d.gpuPrev.Empty() {
		d.gpuPrev.Close()
		d.gpuPrev = blurred
		return d.state.baseline()
	}

	diff := cuda.NewGpuMat()
	defer diff.Close()
	cuda.AbsDiff(d.gpuPrev, blurred, &diff)

	gpuThresh := cuda.NewGpuMat()
	defer gpuThresh.Close()
	cuda.Threshold(diff, &gpuThresh, float64(d.settings.Sensitivity), 255, gocv.ThresholdBinary)

	// contours need the CPU, download only the small mask
	thresh := gocv.NewMat()
	gpuThresh.Download(&thresh)

	dilate(&thresh)
	motion := d.maskAndMeasure(&thresh)
	thresh.Close()

	d.gpuPrev.Close()
	d.gpuPrev = blurred
	return d.state.update(motion, d.settings.Cooldown)
}

func (d *CUDADetector) UpdateSettings(update Settings) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.settings.merge(update)
	if !d.fellBack && d.settings.BlurKernel != d.blurSize {
		d.blurSize = d.settings.BlurKernel
		d.blur.Close()
		d.blur = cuda.NewGaussianFilter(gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC1,
			image.Pt(d.blurSize, d.blurSize), 0)
	}
}

func (d *CUDADetector) Info() Info {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.fellBack {
		return Info{Mode: "cpu", Accelerated: false}
	}
	return Info{Mode: "cuda", Accelerated: true}
}

func (d *CUDADetector) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.gpuPrev.Close()
	d.blur.Close()
	d.prev.Close()
}
