package pipeline

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/camera"
	"github.com/voc/edge-agent/chunk"
	"github.com/voc/edge-agent/config"
	"github.com/voc/edge-agent/motion"
)

const (
	// per-frame wait in the control loop; a silent camera means no motion
	frameTimeout = time.Second

	// poll cadence while the encoder binary is missing
	binaryWatchInterval = 5 * time.Second
)

// Quality reports the global network state. Implemented by the registry.
type Quality interface {
	Degraded() bool
}

// EventSink receives motion transitions. Implemented by the event log.
type EventSink interface {
	MotionChanged(streamID string, active bool, fps int)
}

// Config assembles one stream's supervisor.
type Config struct {
	Stream  config.StreamConfig
	Motion  config.MotionConfig
	Encoder config.EncoderConfig
	Profile Profile

	ChunkDir string

	Quality Quality
	Events  EventSink
	Uploads chunk.Sink
}

// Status is a stream's snapshot for the control surface. Always the
// best-known state, never an error.
type Status struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	MotionActive   bool   `json:"motion_active"`
	TargetFPS      int    `json:"current_target_fps"`
	Generation     uint64 `json:"generation"`
	ProcessRunning bool   `json:"process_running"`
	Watching       bool   `json:"encoder_watching"`
	Accelerated    bool   `json:"accelerated"`
	Chunking       bool   `json:"chunking"`
}

// Supervisor runs one stream: capture, motion detection, encoder process
// lifecycle and chunk recording. Failures stay inside the stream.
type Supervisor struct {
	config Config
	log    zerolog.Logger

	source   *camera.Source
	buffer   *camera.Buffer
	detector motion.Detector
	recorder *chunk.Recorder

	// control serializes process lifecycle changes between the control
	// loop, quality broadcasts and Stop
	control sync.Mutex
	process *Process
	stopped bool

	lookPath     func(string) (string, error)
	startProcess func(binary, sourceURL, output string, params Parameters, logger zerolog.Logger) (*Process, error)

	// guards the snapshot fields; processView mirrors process so Status
	// never waits on a termination in progress
	mutex           sync.Mutex
	processView     *Process
	id              string
	name            string
	motionActive    bool
	targetFPS       int
	generation      uint64
	watching        bool
	binaryWarned    bool
	lastBinaryCheck time.Time

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewSupervisor starts a stream: capture begins immediately, the control
// loop starts the encoder once the first parameters are known.
func NewSupervisor(parentContext context.Context, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(parentContext)
	s := &Supervisor{
		config:       cfg,
		log:          log.With().Str("context", "pipeline").Str("stream", cfg.Stream.ID).Logger(),
		buffer:       camera.NewBuffer(),
		detector:     motion.New(motion.SettingsFromConfig(cfg.Motion)),
		lookPath:     exec.LookPath,
		startProcess: StartProcess,
		id:           cfg.Stream.ID,
		name:         cfg.Stream.Name,
		targetFPS:    cfg.Profile.LowFPS,
		cancel:       cancel,
	}
	s.source = camera.NewSource(ctx, cfg.Stream.ID, cfg.Stream.URL, s.buffer)
	if cfg.Stream.Chunking {
		s.recorder = chunk.NewRecorder(ctx, chunk.Config{
			StreamID: cfg.Stream.ID,
			Dir:      cfg.ChunkDir,
			Duration: time.Duration(cfg.Stream.ChunkDuration) * time.Second,
			FPS:      cfg.Stream.ChunkFPS,
			Buffer:   s.buffer,
			Active:   s.MotionActive,
			Sink:     cfg.Uploads,
		})
	}
	s.done.Add(1)
	go s.run(ctx)
	return s
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.done.Done()
	for ctx.Err() == nil {
		frame, ok := s.buffer.Next(frameTimeout)
		active := false
		if ok {
			active = s.detector.Detect(frame)
			frame.Close()
		}
		s.apply(active)
	}
}

// apply recomputes the target parameters for the given motion state and
// reconciles the encoder process against them.
func (s *Supervisor) apply(active bool) {
	s.control.Lock()
	defer s.control.Unlock()

	degraded := false
	if s.config.Quality != nil {
		degraded = s.config.Quality.Degraded()
	}
	params := SelectParameters(active, degraded, s.config.Profile)

	s.mutex.Lock()
	transition := active != s.motionActive
	s.motionActive = active
	s.targetFPS = params.FPS
	id := s.id
	s.mutex.Unlock()

	if transition {
		state := "idle"
		if active {
			state = "active"
		}
		s.log.Info().Str("motion", state).Int("fps", params.FPS).Msg("motion state changed")
		if s.config.Events != nil {
			s.config.Events.MotionChanged(id, active, params.FPS)
		}
	}

	s.reconcile(params)
}

// reconcile makes the running process match params. Caller holds control.
func (s *Supervisor) reconcile(params Parameters) {
	if s.stopped {
		return
	}
	if s.process != nil && s.process.Running() {
		if s.process.Parameters() == params {
			return
		}
		s.process.Terminate()
		s.setProcess(nil)
	}

	binary, ok := s.checkBinary()
	if !ok {
		return
	}

	process, err := s.startProcess(binary, s.config.Stream.URL, s.outputTarget(), params, s.log)
	if err != nil {
		// retried at the next control tick
		s.log.Error().Err(err).Msg("encoder start failed")
		return
	}
	s.setProcess(process)

	s.mutex.Lock()
	s.generation++
	s.mutex.Unlock()
}

// setProcess updates the handle and its status mirror. Caller holds
// control.
func (s *Supervisor) setProcess(process *Process) {
	s.process = process
	s.mutex.Lock()
	s.processView = process
	s.mutex.Unlock()
}

// checkBinary resolves the encoder binary, entering a watching state when
// it is missing. While watching, lookups are limited to one per interval
// and the warning is logged once.
func (s *Supervisor) checkBinary() (string, bool) {
	s.mutex.Lock()
	watching := s.watching
	lastCheck := s.lastBinaryCheck
	s.mutex.Unlock()

	if watching && time.Since(lastCheck) < binaryWatchInterval {
		return "", false
	}

	binary, err := s.lookPath(s.config.Encoder.Binary)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastBinaryCheck = time.Now()
	if err != nil {
		s.watching = true
		if !s.binaryWarned {
			s.binaryWarned = true
			s.log.Warn().Str("binary", s.config.Encoder.Binary).
				Msg("encoder binary not found, watching for it to appear")
		}
		return "", false
	}
	if s.watching {
		s.watching = false
		s.binaryWarned = false
		s.log.Info().Str("binary", binary).Msg("encoder binary appeared, starting pipeline")
	}
	return binary, true
}

// outputTarget appends the stream id to the configured output base.
func (s *Supervisor) outputTarget() string {
	s.mutex.Lock()
	id := s.id
	s.mutex.Unlock()
	return strings.TrimRight(s.config.Encoder.Output, "/") + "/" + id
}

// ApplyQuality recomputes parameters with the current motion state, used
// by the network monitor's broadcast. Restarts the encoder only when the
// parameters actually changed.
func (s *Supervisor) ApplyQuality() {
	s.mutex.Lock()
	active := s.motionActive
	s.mutex.Unlock()
	s.apply(active)
}

// MotionActive reports the current motion state.
func (s *Supervisor) MotionActive() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.motionActive
}

// UpdateMotionSettings applies a partial settings update to the detector.
func (s *Supervisor) UpdateMotionSettings(update motion.Settings) {
	s.detector.UpdateSettings(update)
}

// MotionSettings returns the detector's current settings.
func (s *Supervisor) MotionSettings() motion.Settings {
	return s.detector.Settings()
}

// Rename changes the stream's id and display name without restarting the
// pipeline. Future chunks carry the new id.
func (s *Supervisor) Rename(id, name string) {
	s.mutex.Lock()
	s.id = id
	s.name = name
	s.mutex.Unlock()
	if s.recorder != nil {
		s.recorder.SetStreamID(id)
	}
}

// Status returns the stream snapshot.
func (s *Supervisor) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	running := s.processView != nil && s.processView.Running()
	return Status{
		ID:             s.id,
		Name:           s.name,
		URL:            s.config.Stream.URL,
		MotionActive:   s.motionActive,
		TargetFPS:      s.targetFPS,
		Generation:     s.generation,
		ProcessRunning: running,
		Watching:       s.watching,
		Accelerated:    s.detector.Info().Accelerated,
		Chunking:       s.config.Stream.Chunking,
	}
}

// Stop shuts the stream down: the loops exit at their next poll boundary,
// the encoder is terminated synchronously.
func (s *Supervisor) Stop() {
	s.cancel()
	s.source.Stop()
	if s.recorder != nil {
		s.recorder.Stop()
	}
	s.done.Wait()

	s.control.Lock()
	s.stopped = true
	if s.process != nil {
		s.process.Terminate()
		s.setProcess(nil)
	}
	s.control.Unlock()

	s.detector.Close()
	s.buffer.Close()
}
