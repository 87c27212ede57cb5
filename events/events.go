// Package events keeps the per-stream motion transition history used by
// the control surface, persisted across restarts.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxEvents caps the history per stream, oldest entries are trimmed.
const maxEvents = 100

const (
	StateMotion = "MOTION"
	StateIdle   = "IDLE"
)

// Event is one motion transition with the target frame rate it caused.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	FPS       int       `json:"fps"`
}

// Log records transitions per stream and mirrors them to one json file
// per stream in dir.
type Log struct {
	dir string
	log zerolog.Logger
	now func() time.Time

	mutex   sync.Mutex
	streams map[string][]Event
}

// NewLog opens the event log, creating dir if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create event dir")
	}
	return &Log{
		dir:     dir,
		log:     log.With().Str("context", "events").Logger(),
		now:     time.Now,
		streams: make(map[string][]Event),
	}, nil
}

// MotionChanged appends a transition and persists the stream's history.
// Persistence failures are logged, the in-memory log stays authoritative.
func (l *Log) MotionChanged(streamID string, active bool, fps int) {
	status := StateIdle
	if active {
		status = StateMotion
	}
	event := Event{Timestamp: l.now(), Status: status, FPS: fps}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	history := append(l.load(streamID), event)
	if len(history) > maxEvents {
		history = history[len(history)-maxEvents:]
	}
	l.streams[streamID] = history

	if err := l.persist(streamID, history); err != nil {
		l.log.Warn().Err(err).Str("stream", streamID).Msg("event persist failed")
	}
}

// Events returns a copy of one stream's history, oldest first.
func (l *Log) Events(streamID string) []Event {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	history := l.load(streamID)
	out := make([]Event, len(history))
	copy(out, history)
	return out
}

// load returns the in-memory history, reading the stream's file on first
// access. Caller holds the mutex.
func (l *Log) load(streamID string) []Event {
	if history, ok := l.streams[streamID]; ok {
		return history
	}
	history := []Event{}
	data, err := os.ReadFile(l.path(streamID))
	if err == nil {
		if err := json.Unmarshal(data, &history); err != nil {
			l.log.Warn().Err(err).Str("stream", streamID).Msg("discarding corrupt event file")
			history = []Event{}
		}
		if len(history) > maxEvents {
			history = history[len(history)-maxEvents:]
		}
	}
	l.streams[streamID] = history
	return history
}

func (l *Log) persist(streamID string, history []Event) error {
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return os.WriteFile(l.path(streamID), data, 0644)
}

func (l *Log) path(streamID string) string {
	return filepath.Join(l.dir, "events_"+streamID+".json")
}
