// Package monitor measures egress throughput and drives the global
// quality degradation that overrides every stream's bitrate.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v3/net"
)

const (
	// raw throughput sampling cadence
	sampleInterval = 5 * time.Second

	// cadence of the loop that reacts to the slow flag
	controlInterval = 10 * time.Second

	historySize = 60
)

// Broadcast pushes the degraded flag to all streams. Implemented by the
// registry.
type Broadcast interface {
	SetDegraded(degraded bool)
}

// Notifier delivers degradation alerts. May be nil.
type Notifier interface {
	SendDegradedAlert(mbps, threshold float64)
	SendRecoveredAlert(mbps float64)
}

// Sample is one throughput measurement.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Mbps      float64   `json:"mbps"`
}

// Status is the monitor snapshot for the control surface.
type Status struct {
	Mbps      float64  `json:"upload_mbps"`
	Slow      bool     `json:"is_slow"`
	Threshold float64  `json:"threshold"`
	History   []Sample `json:"history"`
}

// Monitor samples cumulative egress byte counters and flags the network
// as slow when the measured rate falls below the threshold. Edges of the
// flag, not levels, trigger the broadcast and alerts.
type Monitor struct {
	log       zerolog.Logger
	broadcast Broadcast
	notifier  Notifier

	bytesSent func() (uint64, error)
	now       func() time.Time

	mutex     sync.Mutex
	threshold float64
	mbps      float64
	slow      bool
	history   []Sample

	lastBytes  uint64
	lastSample time.Time
	primed     bool

	// the slow state last pushed to the broadcast
	announced bool

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewMonitor creates the monitor and starts its sampling and control
// loops. threshold is in Mbps.
func NewMonitor(parentContext context.Context, threshold float64, broadcast Broadcast, notifier Notifier) *Monitor {
	ctx, cancel := context.WithCancel(parentContext)
	m := &Monitor{
		log:       log.With().Str("context", "monitor").Logger(),
		broadcast: broadcast,
		notifier:  notifier,
		bytesSent: totalBytesSent,
		now:       time.Now,
		threshold: threshold,
		cancel:    cancel,
	}
	m.done.Add(2)
	go m.sampleLoop(ctx)
	go m.controlLoop(ctx)
	return m
}

// Stop ends both loops.
func (m *Monitor) Stop() {
	m.cancel()
	m.done.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.done.Done()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sample(); err != nil {
				m.log.Warn().Err(err).Msg("throughput sample failed")
			}
		}
	}
}

func (m *Monitor) controlLoop(ctx context.Context) {
	defer m.done.Done()
	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.control()
		}
	}
}

// sample reads the cumulative counter and derives the instantaneous rate
// from the delta. The first read only primes the baseline.
func (m *Monitor) sample() error {
	bytes, err := m.bytesSent()
	if err != nil {
		return err
	}
	now := m.now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.primed {
		m.lastBytes = bytes
		m.lastSample = now
		m.primed = true
		return nil
	}

	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed <= 0 || bytes < m.lastBytes {
		// counter reset or clock jump, re-prime
		m.lastBytes = bytes
		m.lastSample = now
		return nil
	}

	m.mbps = float64(bytes-m.lastBytes) * 8 / elapsed / 1e6
	m.slow = m.mbps < m.threshold
	m.lastBytes = bytes
	m.lastSample = now

	m.history = append(m.history, Sample{Timestamp: now, Mbps: m.mbps})
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	return nil
}

// control pushes slow-flag edges to the broadcast and the notifier.
func (m *Monitor) control() {
	m.mutex.Lock()
	slow := m.slow
	mbps := m.mbps
	threshold := m.threshold
	edge := slow != m.announced
	m.announced = slow
	m.mutex.Unlock()

	if !edge {
		return
	}

	if slow {
		m.log.Warn().Float64("mbps", mbps).Float64("threshold", threshold).
			Msg("network degraded, forcing low bitrate")
	} else {
		m.log.Info().Float64("mbps", mbps).Msg("network recovered")
	}
	if m.broadcast != nil {
		m.broadcast.SetDegraded(slow)
	}
	if m.notifier == nil {
		return
	}
	if slow {
		m.notifier.SendDegradedAlert(mbps, threshold)
	} else {
		m.notifier.SendRecoveredAlert(mbps)
	}
}

// SetThreshold changes the slow threshold and re-evaluates the flag
// against the last measurement.
func (m *Monitor) SetThreshold(threshold float64) {
	m.mutex.Lock()
	m.threshold = threshold
	if m.primed {
		m.slow = m.mbps < m.threshold
	}
	m.mutex.Unlock()
}

// Status returns the snapshot including a copy of the history.
func (m *Monitor) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	history := make([]Sample, len(m.history))
	copy(history, m.history)
	return Status{
		Mbps:      m.mbps,
		Slow:      m.slow,
		Threshold: m.threshold,
		History:   history,
	}
}

// totalBytesSent sums egress bytes over all interfaces.
func totalBytesSent() (uint64, error) {
	counters, err := psnet.IOCounters(false)
	if err != nil {
		return 0, errors.Wrap(err, "read net counters")
	}
	if len(counters) == 0 {
		return 0, errors.New("no network counters")
	}
	return counters[0].BytesSent, nil
}
