// Package api is the agent's control surface: a thin JSON layer over the
// registry, monitor, upload queue and event log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/config"
	"github.com/voc/edge-agent/events"
	"github.com/voc/edge-agent/monitor"
	"github.com/voc/edge-agent/motion"
	"github.com/voc/edge-agent/registry"
	"github.com/voc/edge-agent/upload"
)

// Collaborators wires the server to the agent's components.
type Collaborators struct {
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Uploads  *upload.Queue
	Events   *events.Log
	Metrics  prometheus.Gatherer
}

// Server exposes the REST and metrics endpoints.
type Server struct {
	collab Collaborators
	log    zerolog.Logger
	done   sync.WaitGroup
}

// NewServer starts listening on address and serves until ctx is done.
func NewServer(ctx context.Context, address string, collab Collaborators) *Server {
	s := &Server{
		collab: collab,
		log:    log.With().Str("context", "api").Logger(),
	}

	server := &http.Server{Addr: address, Handler: s.routes()}

	s.done.Add(1)
	go func() {
		defer s.done.Done()
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("listen failed")
		}
	}()
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("server shutdown")
		}
	}()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/streams", s.handleStreams).Methods("GET")
	router.HandleFunc("/api/streams", s.handleAddStream).Methods("POST")
	router.HandleFunc("/api/streams/{id}", s.handleDeleteStream).Methods("DELETE")
	router.HandleFunc("/api/streams/{id}/toggle", s.handleToggleStream).Methods("POST")
	router.HandleFunc("/api/streams/{id}/rename", s.handleRenameStream).Methods("POST")
	router.HandleFunc("/api/motion_status", s.handleMotionStatus).Methods("GET")
	router.HandleFunc("/api/motion_config", s.handleGetMotionConfig).Methods("GET")
	router.HandleFunc("/api/motion_config", s.handleMotionConfig).Methods("POST")
	router.HandleFunc("/api/motion_events/{id}", s.handleMotionEvents).Methods("GET")
	router.HandleFunc("/api/network_status", s.handleNetworkStatus).Methods("GET")
	router.HandleFunc("/api/upload_status", s.handleUploadStatus).Methods("GET")
	if s.collab.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.collab.Metrics, promhttp.HandlerOpts{}))
	}
	return router
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	s.done.Wait()
}

func decodeJSON(rd io.Reader, out interface{}) error {
	content, err := io.ReadAll(io.LimitReader(rd, 1048576))
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(content, out)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

// statusFromError maps registry errors to http codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collab.Registry.Status())
}

func (s *Server) handleAddStream(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var stream config.StreamConfig
	if err := decodeJSON(r.Body, &stream); err != nil {
		http.Error(w, fmt.Sprintf("parse failed: %s", err), http.StatusUnprocessableEntity)
		return
	}
	if err := s.collab.Registry.Add(stream); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.collab.Registry.Remove(id); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
	}
}

func (s *Server) handleToggleStream(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &body); err != nil {
		http.Error(w, fmt.Sprintf("parse failed: %s", err), http.StatusUnprocessableEntity)
		return
	}
	if err := s.collab.Registry.Toggle(mux.Vars(r)["id"], body.Enabled); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
	}
}

func (s *Server) handleRenameStream(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &body); err != nil {
		http.Error(w, fmt.Sprintf("parse failed: %s", err), http.StatusUnprocessableEntity)
		return
	}
	if err := s.collab.Registry.Rename(mux.Vars(r)["id"], body.ID, body.Name); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
	}
}

// motionStatus is the compact per-stream view polled by UIs.
type motionStatus struct {
	MotionActive bool `json:"motion_active"`
	TargetFPS    int  `json:"current_target_fps"`
}

func (s *Server) handleMotionStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.collab.Registry.Status()
	out := make(map[string]motionStatus, len(statuses))
	for _, status := range statuses {
		out[status.ID] = motionStatus{
			MotionActive: status.MotionActive,
			TargetFPS:    status.TargetFPS,
		}
	}
	writeJSON(w, out)
}

// motionConfigBody mirrors the config shape: cooldown in seconds, zones
// as x/y/w/h rectangles. Absent fields keep the current values.
type motionConfigBody struct {
	Sensitivity    int           `json:"sensitivity"`
	MinArea        int           `json:"min_area"`
	CooldownSec    int           `json:"cooldown"`
	Zones          []config.Zone `json:"zones"`
	DetectionScale float64       `json:"detection_scale"`
	BlurKernel     int           `json:"blur_kernel"`
	FrameSkip      int           `json:"frame_skip"`
}

// motionBodyFromSettings maps detector settings back onto the config
// shape the POST handler accepts.
func motionBodyFromSettings(settings motion.Settings) motionConfigBody {
	body := motionConfigBody{
		Sensitivity:    settings.Sensitivity,
		MinArea:        settings.MinArea,
		CooldownSec:    int(settings.Cooldown / time.Second),
		DetectionScale: settings.DetectionScale,
		BlurKernel:     settings.BlurKernel,
		FrameSkip:      settings.FrameSkip,
	}
	for _, zone := range settings.Zones {
		body.Zones = append(body.Zones, config.Zone{
			X: zone.Min.X,
			Y: zone.Min.Y,
			W: zone.Dx(),
			H: zone.Dy(),
		})
	}
	return body
}

func (s *Server) handleGetMotionConfig(w http.ResponseWriter, r *http.Request) {
	settings := s.collab.Registry.MotionSettings()
	out := make(map[string]motionConfigBody, len(settings))
	for id, streamSettings := range settings {
		out[id] = motionBodyFromSettings(streamSettings)
	}
	writeJSON(w, out)
}

func (s *Server) handleMotionConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body motionConfigBody
	if err := decodeJSON(r.Body, &body); err != nil {
		http.Error(w, fmt.Sprintf("parse failed: %s", err), http.StatusUnprocessableEntity)
		return
	}
	s.collab.Registry.UpdateMotionSettings(motion.SettingsFromConfig(config.MotionConfig{
		Sensitivity:    body.Sensitivity,
		MinArea:        body.MinArea,
		CooldownSec:    body.CooldownSec,
		Zones:          body.Zones,
		DetectionScale: body.DetectionScale,
		BlurKernel:     body.BlurKernel,
		FrameSkip:      body.FrameSkip,
	}))
}

func (s *Server) handleMotionEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collab.Events.Events(mux.Vars(r)["id"]))
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collab.Monitor.Status())
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.collab.Uploads.Status())
}
