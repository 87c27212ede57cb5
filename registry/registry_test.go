package registry

import (
	"testing"

	"github.com/rs/zerolog/log"
	"gotest.tools/v3/assert"

	"github.com/voc/edge-agent/config"
	"github.com/voc/edge-agent/motion"
	"github.com/voc/edge-agent/pipeline"
)

type fakeStream struct {
	id       string
	name     string
	stopped  bool
	quality  int
	settings []motion.Settings
}

func (s *fakeStream) Status() pipeline.Status {
	return pipeline.Status{ID: s.id, Name: s.name, MotionActive: true}
}

func (s *fakeStream) Rename(id, name string) {
	s.id = id
	s.name = name
}

func (s *fakeStream) UpdateMotionSettings(update motion.Settings) {
	s.settings = append(s.settings, update)
}

func (s *fakeStream) MotionSettings() motion.Settings {
	if len(s.settings) == 0 {
		return motion.Settings{Sensitivity: 25}
	}
	return s.settings[len(s.settings)-1]
}

func (s *fakeStream) ApplyQuality() { s.quality++ }

func (s *fakeStream) Stop() { s.stopped = true }

func testRegistry() (*Registry, map[string]*fakeStream) {
	streams := make(map[string]*fakeStream)
	r := &Registry{
		log:     log.With().Str("context", "registry").Logger(),
		agent:   config.Default(),
		streams: make(map[string]*entry),
	}
	r.start = func(stream config.StreamConfig) Stream {
		s := &fakeStream{id: stream.ID, name: stream.Name}
		streams[stream.ID] = s
		return s
	}
	return r, streams
}

func TestAddStartsEnabledStream(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()

	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam2", URL: "rtsp://b"}))

	_, started := streams["cam1"]
	assert.Assert(t, started)
	_, started = streams["cam2"]
	assert.Assert(t, !started)

	status := r.Status()
	assert.Equal(t, len(status), 2)
	assert.Equal(t, status[0].ID, "cam1")
	assert.Assert(t, status[0].Enabled)
	assert.Assert(t, !status[1].Enabled)
}

func TestAddRejectsInvalidAndDuplicate(t *testing.T) {
	t.Parallel()
	r, _ := testRegistry()

	assert.ErrorIs(t, r.Add(config.StreamConfig{URL: "rtsp://a"}), ErrInvalid)
	assert.ErrorIs(t, r.Add(config.StreamConfig{ID: "cam1"}), ErrInvalid)

	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a"}))
	assert.ErrorIs(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://b"}), ErrDuplicate)
}

func TestRemoveStopsStream(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))

	assert.NilError(t, r.Remove("cam1"))
	assert.Assert(t, streams["cam1"].stopped)
	assert.Equal(t, len(r.Status()), 0)

	// unknown id has no side effects
	assert.ErrorIs(t, r.Remove("cam1"), ErrNotFound)
}

func TestToggle(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a"}))

	assert.NilError(t, r.Toggle("cam1", true))
	first := streams["cam1"]
	assert.Assert(t, first != nil)

	// enabling again is a no-op
	assert.NilError(t, r.Toggle("cam1", true))
	assert.Equal(t, streams["cam1"], first)

	assert.NilError(t, r.Toggle("cam1", false))
	assert.Assert(t, first.stopped)
	assert.Assert(t, !r.Status()[0].Enabled)

	assert.ErrorIs(t, r.Toggle("nope", true), ErrNotFound)
}

func TestRenameKeepsPipeline(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam2", URL: "rtsp://b"}))

	assert.NilError(t, r.Rename("cam1", "door", "Front door"))

	s := streams["cam1"]
	assert.Assert(t, !s.stopped)
	assert.Equal(t, s.id, "door")
	assert.Equal(t, s.name, "Front door")

	status := r.Status()
	assert.Equal(t, status[1].ID, "door")

	assert.ErrorIs(t, r.Rename("missing", "x", ""), ErrNotFound)
	assert.ErrorIs(t, r.Rename("door", "cam2", ""), ErrDuplicate)
	assert.ErrorIs(t, r.Rename("door", "", ""), ErrInvalid)
}

func TestSetDegradedBroadcastsOnChange(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam2", URL: "rtsp://b", Enabled: true}))

	r.SetDegraded(true)
	assert.Assert(t, r.Degraded())
	assert.Equal(t, streams["cam1"].quality, 1)
	assert.Equal(t, streams["cam2"].quality, 1)

	// same level again does not re-broadcast
	r.SetDegraded(true)
	assert.Equal(t, streams["cam1"].quality, 1)

	r.SetDegraded(false)
	assert.Equal(t, streams["cam1"].quality, 2)
}

func TestUpdateMotionSettingsFanOut(t *testing.T) {
	t.Parallel()
	r, streams := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam2", URL: "rtsp://b"}))

	r.UpdateMotionSettings(motion.Settings{Sensitivity: 40})

	assert.Equal(t, len(streams["cam1"].settings), 1)
	assert.Equal(t, streams["cam1"].settings[0].Sensitivity, 40)
}

func TestMotionSettingsOnlyRunningStreams(t *testing.T) {
	t.Parallel()
	r, _ := testRegistry()
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam2", URL: "rtsp://b"}))

	r.UpdateMotionSettings(motion.Settings{Sensitivity: 40})

	settings := r.MotionSettings()
	assert.Equal(t, len(settings), 1)
	assert.Equal(t, settings["cam1"].Sensitivity, 40)
}

func TestLateSupervisorSeesDegraded(t *testing.T) {
	t.Parallel()
	r, _ := testRegistry()
	r.SetDegraded(true)

	assert.NilError(t, r.Add(config.StreamConfig{ID: "cam1", URL: "rtsp://a", Enabled: true}))
	// the supervisor reads the flag through the quality interface
	assert.Assert(t, r.Degraded())
}
