// Package camera owns the connection to a single video source and feeds
// decoded frames into a bounded hand-off buffer.
package camera

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

const (
	readBackoff = 500 * time.Millisecond

	// after this many consecutive failed opens the stream is reported
	// degraded; the loop keeps retrying regardless
	degradedAfter = 3
)

// Source continuously pulls frames from one camera and pushes them into its
// Buffer. It reconnects forever; a camera that vanishes only degrades its
// own stream.
type Source struct {
	url    string
	buffer *Buffer
	log    zerolog.Logger

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewSource starts the capture loop for url, feeding buffer.
func NewSource(parentContext context.Context, id, url string, buffer *Buffer) *Source {
	ctx, cancel := context.WithCancel(parentContext)
	s := &Source{
		url:    url,
		buffer: buffer,
		log:    log.With().Str("context", "camera").Str("stream", id).Logger(),
		cancel: cancel,
	}
	s.done.Add(1)
	go s.run(ctx)
	return s
}

// Stop stops the capture loop and waits for it to exit.
func (s *Source) Stop() {
	s.cancel()
	s.done.Wait()
}

func (s *Source) run(ctx context.Context) {
	defer s.done.Done()

	failures := 0
	for ctx.Err() == nil {
		capture, err := gocv.OpenVideoCapture(s.url)
		if err != nil || !capture.IsOpened() {
			if capture != nil {
				capture.Close()
			}
			failures++
			if failures == degradedAfter {
				s.log.Warn().Str("url", s.url).Msg("camera unreachable, stream degraded")
			}
			s.sleep(ctx, readBackoff)
			continue
		}
		capture.Set(gocv.VideoCaptureBufferSize, 1)
		failures = 0
		s.log.Info().Msg("camera connected")

		s.capture(ctx, capture)
		capture.Close()
	}
}

// capture reads frames until the context is done or the handle goes bad.
func (s *Source) capture(ctx context.Context, capture *gocv.VideoCapture) {
	img := gocv.NewMat()
	defer img.Close()

	misses := 0
	for ctx.Err() == nil {
		if !capture.Read(&img) || img.Empty() {
			misses++
			if misses >= degradedAfter {
				// handle is likely dead, reopen
				s.log.Warn().Msg("camera read failed, reconnecting")
				return
			}
			s.sleep(ctx, readBackoff)
			continue
		}
		misses = 0
		s.buffer.Push(img.Clone())
	}
}

func (s *Source) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
