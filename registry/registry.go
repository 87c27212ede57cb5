// Package registry owns the stream table: which streams exist, which run,
// and the global degraded flag they all observe.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/chunk"
	"github.com/voc/edge-agent/config"
	"github.com/voc/edge-agent/motion"
	"github.com/voc/edge-agent/pipeline"
)

var (
	ErrNotFound  = errors.New("stream not found")
	ErrDuplicate = errors.New("stream id already exists")
	ErrInvalid   = errors.New("invalid stream config")
)

// StreamStatus is one stream's registry entry for the control surface.
type StreamStatus struct {
	pipeline.Status
	Enabled bool `json:"enabled"`
}

// Stream is the supervisor surface the registry drives. Satisfied by
// *pipeline.Supervisor.
type Stream interface {
	Status() pipeline.Status
	Rename(id, name string)
	UpdateMotionSettings(update motion.Settings)
	MotionSettings() motion.Settings
	ApplyQuality()
	Stop()
}

type entry struct {
	config     config.StreamConfig
	supervisor Stream // nil while disabled
}

// Registry maps stream ids to their supervisors. It implements the quality
// view the supervisors read and the broadcast the network monitor pushes.
type Registry struct {
	log zerolog.Logger

	// parent context for supervisors started after construction
	ctx context.Context

	agent   config.Config
	events  pipeline.EventSink
	uploads chunk.Sink

	start func(stream config.StreamConfig) Stream

	mutex    sync.Mutex
	streams  map[string]*entry
	degraded bool
}

// NewRegistry creates the registry and starts every enabled configured
// stream. A stream that fails validation is skipped, not fatal.
func NewRegistry(ctx context.Context, agent config.Config, events pipeline.EventSink, uploads chunk.Sink) *Registry {
	r := &Registry{
		log:     log.With().Str("context", "registry").Logger(),
		ctx:     ctx,
		agent:   agent,
		events:  events,
		uploads: uploads,
		streams: make(map[string]*entry),
	}
	r.start = r.startSupervisor
	for _, stream := range agent.Streams {
		if err := r.Add(stream); err != nil {
			r.log.Error().Err(err).Str("stream", stream.ID).Msg("skipping configured stream")
		}
	}
	return r
}

func (r *Registry) startSupervisor(stream config.StreamConfig) Stream {
	return pipeline.NewSupervisor(r.ctx, pipeline.Config{
		Stream:  stream,
		Motion:  r.agent.MotionFor(stream),
		Encoder: r.agent.Encoder,
		Profile: pipeline.Profile{
			HighFPS:        r.agent.HighFPS,
			LowFPS:         r.agent.LowFPS,
			DefaultBitrate: r.agent.DefaultBitrate,
			LowBitrate:     r.agent.LowBitrate,
		},
		ChunkDir: r.agent.Chunks.Dir,
		Quality:  r,
		Events:   r.events,
		Uploads:  r.uploads,
	})
}

// Add registers a stream and starts it if enabled. Malformed configs are
// rejected synchronously.
func (r *Registry) Add(stream config.StreamConfig) error {
	if stream.ID == "" || stream.URL == "" {
		return errors.Wrap(ErrInvalid, "id and url are required")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.streams[stream.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "%q", stream.ID)
	}

	e := &entry{config: stream}
	if stream.Enabled {
		e.supervisor = r.start(stream)
	}
	r.streams[stream.ID] = e
	r.log.Info().Str("stream", stream.ID).Bool("enabled", stream.Enabled).Msg("stream added")
	return nil
}

// Remove stops and deletes a stream. Unknown ids leave the registry
// untouched.
func (r *Registry) Remove(id string) error {
	r.mutex.Lock()
	e, ok := r.streams[id]
	if !ok {
		r.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", id)
	}
	delete(r.streams, id)
	r.mutex.Unlock()

	if e.supervisor != nil {
		e.supervisor.Stop()
	}
	r.log.Info().Str("stream", id).Msg("stream removed")
	return nil
}

// Toggle enables or disables a stream, starting or stopping its pipeline.
func (r *Registry) Toggle(id string, enabled bool) error {
	r.mutex.Lock()
	e, ok := r.streams[id]
	if !ok {
		r.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", id)
	}

	var stop Stream
	if enabled && e.supervisor == nil {
		e.config.Enabled = true
		e.supervisor = r.start(e.config)
	} else if !enabled && e.supervisor != nil {
		e.config.Enabled = false
		stop = e.supervisor
		e.supervisor = nil
	}
	r.mutex.Unlock()

	if stop != nil {
		stop.Stop()
	}
	r.log.Info().Str("stream", id).Bool("enabled", enabled).Msg("stream toggled")
	return nil
}

// Rename re-keys a stream without restarting its pipeline.
func (r *Registry) Rename(id, newID, newName string) error {
	if newID == "" {
		return errors.Wrap(ErrInvalid, "new id is required")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.streams[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", id)
	}
	if newID != id {
		if _, taken := r.streams[newID]; taken {
			return errors.Wrapf(ErrDuplicate, "%q", newID)
		}
		delete(r.streams, id)
		r.streams[newID] = e
	}
	e.config.ID = newID
	e.config.Name = newName
	if e.supervisor != nil {
		e.supervisor.Rename(newID, newName)
	}
	r.log.Info().Str("stream", id).Str("renamed", newID).Msg("stream renamed")
	return nil
}

// UpdateMotionSettings applies a partial settings update to every running
// stream's detector.
func (r *Registry) UpdateMotionSettings(update motion.Settings) {
	for _, supervisor := range r.supervisors() {
		supervisor.UpdateMotionSettings(update)
	}
}

// MotionSettings reports the effective detector settings of every running
// stream, keyed by id. Disabled streams have no detector and are absent.
func (r *Registry) MotionSettings() map[string]motion.Settings {
	r.mutex.Lock()
	running := make(map[string]Stream, len(r.streams))
	for id, e := range r.streams {
		if e.supervisor != nil {
			running[id] = e.supervisor
		}
	}
	r.mutex.Unlock()

	settings := make(map[string]motion.Settings, len(running))
	for id, supervisor := range running {
		settings[id] = supervisor.MotionSettings()
	}
	return settings
}

// SetDegraded updates the global flag and tells every running stream to
// recompute its parameters. Restarts happen outside the lock.
func (r *Registry) SetDegraded(degraded bool) {
	r.mutex.Lock()
	changed := r.degraded != degraded
	r.degraded = degraded
	r.mutex.Unlock()
	if !changed {
		return
	}
	for _, supervisor := range r.supervisors() {
		supervisor.ApplyQuality()
	}
}

// Degraded reports the global network state. Read by every supervisor on
// each control tick.
func (r *Registry) Degraded() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.degraded
}

// Status returns a snapshot of all streams, sorted by id.
func (r *Registry) Status() []StreamStatus {
	r.mutex.Lock()
	entries := make([]*entry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mutex.Unlock()

	statuses := make([]StreamStatus, 0, len(entries))
	for _, e := range entries {
		status := StreamStatus{Enabled: e.config.Enabled}
		if e.supervisor != nil {
			status.Status = e.supervisor.Status()
		} else {
			status.ID = e.config.ID
			status.Name = e.config.Name
			status.URL = e.config.URL
			status.Chunking = e.config.Chunking
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// supervisors copies the running supervisor list so callers can work
// outside the lock.
func (r *Registry) supervisors() []Stream {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	list := make([]Stream, 0, len(r.streams))
	for _, e := range r.streams {
		if e.supervisor != nil {
			list = append(list, e.supervisor)
		}
	}
	return list
}

// Stop stops every running stream.
func (r *Registry) Stop() {
	for _, supervisor := range r.supervisors() {
		supervisor.Stop()
	}
}
