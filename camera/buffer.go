package camera

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// frameCapacity bounds the hand-off between capture and consumers. Two
// slots keep latency low without starving the motion loop.
const frameCapacity = 2

// Buffer is a bounded hand-off for decoded frames. A full buffer drops the
// incoming frame rather than the oldest one: consumers always see the frames
// that were current when they last kept up.
type Buffer struct {
	frames chan gocv.Mat

	mutex  sync.Mutex
	closed bool
}

func NewBuffer() *Buffer {
	return &Buffer{
		frames: make(chan gocv.Mat, frameCapacity),
	}
}

// Push hands a frame to the buffer, taking ownership of mat. If the buffer
// is full or closed the frame is released immediately.
func (b *Buffer) Push(mat gocv.Mat) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		mat.Close()
		return
	}
	select {
	case b.frames <- mat:
	default:
		mat.Close()
	}
}

// Next returns the next frame, blocking up to timeout. The caller owns the
// returned frame and must Close it. ok is false on timeout or after Close.
func (b *Buffer) Next(timeout time.Duration) (gocv.Mat, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case mat, ok := <-b.frames:
		return mat, ok
	case <-timer.C:
		return gocv.Mat{}, false
	}
}

// Close releases all pending frames. Push becomes a no-op, Next drains.
func (b *Buffer) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	close(b.frames)
	b.mutex.Unlock()

	for mat := range b.frames {
		mat.Close()
	}
}
