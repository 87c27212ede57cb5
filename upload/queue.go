// Package upload queues motion chunks for delivery to the cloud server and
// owns the shared authentication session.
package upload

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/metrics"
)

const (
	// processing cadence of the queue loop
	processInterval = 2 * time.Second

	// tasks older than this are dropped instead of retried
	retryWindow = time.Hour

	uploadTimeout = 30 * time.Second
)

// Task is one pending chunk upload.
type Task struct {
	Path     string
	StreamID string
	TsStart  int64
	TsEnd    int64
	QueuedAt time.Time
}

// Status is the queue snapshot exposed to the control surface.
type Status struct {
	Depth         int  `json:"depth"`
	Enabled       bool `json:"enabled"`
	Authenticated bool `json:"authenticated"`
}

// Queue is the global upload FIFO. Producers enqueue without blocking; a
// single processor loop uploads one task at a time, outside the lock.
type Queue struct {
	session *Session
	enabled bool
	client  *http.Client
	log     zerolog.Logger

	mutex sync.Mutex
	tasks []Task

	now func() time.Time

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewQueue creates the queue. It does not start processing; call Run for
// the background loop or ProcessOne directly.
func NewQueue(creds Credentials) *Queue {
	return &Queue{
		session: NewSession(creds),
		enabled: creds.Complete(),
		client:  &http.Client{Timeout: uploadTimeout},
		log:     log.With().Str("context", "upload").Logger(),
		now:     time.Now,
	}
}

// Run starts the processing loop at the fixed cadence.
func (q *Queue) Run(parentContext context.Context) {
	ctx, cancel := context.WithCancel(parentContext)
	q.cancel = cancel
	q.done.Add(1)
	go func() {
		defer q.done.Done()
		ticker := time.NewTicker(processInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.ProcessOne(ctx)
			}
		}
	}()
}

// Stop stops the processing loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.done.Wait()
}

// Enqueue appends a task. Non-blocking for producers; accepted even while
// uploads are disabled so chunks survive a later credential fix within the
// retry window.
func (q *Queue) Enqueue(task Task) {
	if task.QueuedAt.IsZero() {
		task.QueuedAt = q.now()
	}
	q.mutex.Lock()
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mutex.Unlock()
	q.log.Debug().Str("chunk", filepath.Base(task.Path)).Int("depth", depth).Msg("chunk queued")
}

// ProcessOne pops the queue head and attempts its upload. Failed tasks are
// requeued at the tail until their retry window expires.
func (q *Queue) ProcessOne(ctx context.Context) {
	if !q.enabled {
		return
	}

	q.mutex.Lock()
	if len(q.tasks) == 0 {
		q.mutex.Unlock()
		return
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mutex.Unlock()

	// network I/O strictly outside the lock
	err := q.upload(ctx, task)
	if err == nil {
		q.log.Info().Str("chunk", filepath.Base(task.Path)).Msg("upload successful")
		metrics.UploadsTotal.WithLabelValues("success").Inc()
		return
	}
	metrics.UploadsTotal.WithLabelValues("failure").Inc()

	if q.now().Sub(task.QueuedAt) < retryWindow {
		q.log.Warn().Err(err).Str("chunk", filepath.Base(task.Path)).Msg("upload failed, requeued")
		q.mutex.Lock()
		q.tasks = append(q.tasks, task)
		q.mutex.Unlock()
		return
	}
	q.log.Error().Err(err).Str("chunk", filepath.Base(task.Path)).Msg("upload expired, dropping chunk")
}

// Status reports queue depth, enablement and token presence.
func (q *Queue) Status() Status {
	q.mutex.Lock()
	depth := len(q.tasks)
	q.mutex.Unlock()
	return Status{
		Depth:         depth,
		Enabled:       q.enabled,
		Authenticated: q.session.Authenticated(),
	}
}

// upload performs one multipart chunk upload with a fresh-enough token.
func (q *Queue) upload(ctx context.Context, task Task) error {
	token, err := q.session.Token(ctx)
	if err != nil {
		return err
	}

	file, err := os.Open(task.Path)
	if err != nil {
		return errors.Wrap(err, "open chunk")
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(task.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return errors.Wrap(err, "read chunk")
	}
	writer.WriteField("stream_id", task.StreamID)
	writer.WriteField("ts_start", strconv.FormatInt(task.TsStart, 10))
	writer.WriteField("ts_end", strconv.FormatInt(task.TsEnd, 10))
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.session.creds.ServerURL+"/streams/upload-chunk", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := q.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload chunk")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Errorf("upload failed: status %d", resp.StatusCode)
	}
	return nil
}
