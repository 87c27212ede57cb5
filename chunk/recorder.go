// Package chunk records motion-triggered video clips and hands the finished
// files to the upload queue.
package chunk

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/voc/edge-agent/camera"
	"github.com/voc/edge-agent/metrics"
	"github.com/voc/edge-agent/upload"
)

const (
	// cadence of the motion poll while idle
	idlePoll = time.Second

	// per-frame wait; a stalled camera ends the clip early
	frameTimeout = time.Second

	preferredCodec = "avc1"
	fallbackCodec  = "mp4v"
)

// Sink receives finished clips. Satisfied by *upload.Queue.
type Sink interface {
	Enqueue(upload.Task)
}

// frameWriter is the encoder behind one clip file.
type frameWriter interface {
	Write(img gocv.Mat) error
	Close() error
}

// Config describes one recorder instance.
type Config struct {
	StreamID string
	Dir      string
	Duration time.Duration
	FPS      int

	Buffer *camera.Buffer
	Active func() bool
	Sink   Sink
}

// Recorder watches a stream's motion state and records a clip whenever
// motion begins. Clips are capped at the configured duration and cut short
// when motion ends.
type Recorder struct {
	config Config
	log    zerolog.Logger

	mutex sync.Mutex
	id    string

	openWriter func(path, codec string, fps float64, width, height int) (frameWriter, error)
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewRecorder creates the recorder and starts its poll loop.
func NewRecorder(parentContext context.Context, config Config) *Recorder {
	ctx, cancel := context.WithCancel(parentContext)
	r := &Recorder{
		config:     config,
		log:        log.With().Str("context", "chunk").Str("stream", config.StreamID).Logger(),
		id:         config.StreamID,
		openWriter: openVideoWriter,
		now:        time.Now,
		sleep:      sleepContext,
		cancel:     cancel,
	}
	r.done.Add(1)
	go r.run(ctx)
	return r
}

// Stop ends the poll loop and waits for an in-flight clip to finish.
func (r *Recorder) Stop() {
	r.cancel()
	r.done.Wait()
}

// SetStreamID renames the stream for future clips. In-flight clips keep
// the id they started with.
func (r *Recorder) SetStreamID(id string) {
	r.mutex.Lock()
	r.id = id
	r.mutex.Unlock()
}

func (r *Recorder) streamID() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.id
}

func (r *Recorder) run(ctx context.Context) {
	defer r.done.Done()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.config.Active() {
				if err := r.record(ctx); err != nil {
					r.log.Error().Err(err).Msg("chunk recording failed")
				}
			}
		}
	}
}

// record samples frames from the buffer into one clip file until the
// duration cap, motion end, or shutdown.
func (r *Recorder) record(ctx context.Context) error {
	streamID := r.streamID()
	path := filepath.Join(r.config.Dir,
		streamID+"_"+uuid.NewString()[:8]+".mp4")

	start := r.now()
	deadline := start.Add(r.config.Duration)

	// the camera delivers faster than the chunk rate, pace the samples so
	// the clip holds duration times fps frames
	interval := time.Second
	if r.config.FPS > 0 {
		interval = time.Second / time.Duration(r.config.FPS)
	}

	var writer frameWriter
	frames := 0
	for r.now().Before(deadline) && r.config.Active() && ctx.Err() == nil {
		frame, ok := r.config.Buffer.Next(frameTimeout)
		if !ok {
			break
		}
		if writer == nil {
			var err error
			writer, err = r.open(path, frame.Cols(), frame.Rows())
			if err != nil {
				frame.Close()
				return err
			}
		}
		err := writer.Write(frame)
		frame.Close()
		if err != nil {
			writer.Close()
			os.Remove(path)
			return errors.Wrap(err, "write frame")
		}
		frames++
		r.sleep(ctx, interval)
	}

	if writer == nil {
		return nil
	}
	if err := writer.Close(); err != nil {
		os.Remove(path)
		return errors.Wrap(err, "close clip")
	}
	end := r.now()

	r.log.Info().Str("chunk", filepath.Base(path)).Int("frames", frames).
		Dur("length", end.Sub(start)).Msg("chunk recorded")
	metrics.ChunksRecorded.WithLabelValues(streamID).Inc()
	if r.config.Sink != nil {
		r.config.Sink.Enqueue(upload.Task{
			Path:     path,
			StreamID: streamID,
			TsStart:  start.Unix(),
			TsEnd:    end.Unix(),
		})
	}
	return nil
}

// open tries the H.264 encoder first and falls back to MPEG-4 part 2,
// which is available in every OpenCV build.
func (r *Recorder) open(path string, width, height int) (frameWriter, error) {
	writer, err := r.openWriter(path, preferredCodec, float64(r.config.FPS), width, height)
	if err == nil {
		return writer, nil
	}
	r.log.Warn().Err(err).Msg("avc1 encoder unavailable, falling back to mp4v")
	writer, err = r.openWriter(path, fallbackCodec, float64(r.config.FPS), width, height)
	if err != nil {
		return nil, errors.Wrap(err, "open video writer")
	}
	return writer, nil
}

// sleepContext pauses between samples, cut short on shutdown.
func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func openVideoWriter(path, codec string, fps float64, width, height int) (frameWriter, error) {
	writer, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, errors.Errorf("codec %s not available", codec)
	}
	return writer, nil
}
