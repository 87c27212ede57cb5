// Package metrics exposes the agent's state to prometheus. Per-stream
// gauges are collected on scrape from the live status sources so removed
// streams disappear without stale series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StreamStats is one stream's scrape snapshot.
type StreamStats struct {
	ID             string
	MotionActive   bool
	TargetFPS      int
	Generation     uint64
	ProcessRunning bool
}

// NetworkStats is the monitor's scrape snapshot.
type NetworkStats struct {
	Mbps      float64
	Slow      bool
	Threshold float64
}

// UploadStats is the queue's scrape snapshot.
type UploadStats struct {
	Depth         int
	Enabled       bool
	Authenticated bool
}

// Sources supplies live snapshots at scrape time. Nil funcs are skipped.
type Sources struct {
	Streams func() []StreamStats
	Network func() NetworkStats
	Uploads func() UploadStats
}

var (
	motionActiveDesc = prometheus.NewDesc(
		"edge_motion_active",
		"Whether motion is currently detected on a stream.",
		[]string{"stream"}, nil,
	)
	targetFPSDesc = prometheus.NewDesc(
		"edge_target_fps",
		"Current target frame rate of a stream's encoder.",
		[]string{"stream"}, nil,
	)
	pipelineRunningDesc = prometheus.NewDesc(
		"edge_pipeline_running",
		"Whether a stream's encoder process is running.",
		[]string{"stream"}, nil,
	)
	pipelineGenerationDesc = prometheus.NewDesc(
		"edge_pipeline_generation",
		"Encoder process generation of a stream.",
		[]string{"stream"}, nil,
	)
	uploadMbpsDesc = prometheus.NewDesc(
		"edge_upload_mbps",
		"Last measured egress throughput in Mbps.",
		nil, nil,
	)
	networkSlowDesc = prometheus.NewDesc(
		"edge_network_slow",
		"Whether egress throughput is below the configured threshold.",
		nil, nil,
	)
	uploadQueueDepthDesc = prometheus.NewDesc(
		"edge_upload_queue_depth",
		"Number of chunks waiting for upload.",
		nil, nil,
	)
)

// ChunksRecorded counts finished motion clips per stream.
var ChunksRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "edge_chunks_recorded_total",
	Help: "Motion clips recorded, per stream.",
}, []string{"stream"})

// UploadsTotal counts upload attempts by outcome.
var UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "edge_uploads_total",
	Help: "Chunk upload attempts by outcome.",
}, []string{"status"})

// Collector scrapes the agent status sources.
type Collector struct {
	sources Sources
}

// Register registers the agent collector and counters with reg.
func Register(reg prometheus.Registerer, sources Sources) {
	reg.MustRegister(&Collector{sources: sources}, ChunksRecorded, UploadsTotal)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- motionActiveDesc
	ch <- targetFPSDesc
	ch <- pipelineRunningDesc
	ch <- pipelineGenerationDesc
	ch <- uploadMbpsDesc
	ch <- networkSlowDesc
	ch <- uploadQueueDepthDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sources.Streams != nil {
		for _, s := range c.sources.Streams() {
			ch <- prometheus.MustNewConstMetric(motionActiveDesc,
				prometheus.GaugeValue, boolValue(s.MotionActive), s.ID)
			ch <- prometheus.MustNewConstMetric(targetFPSDesc,
				prometheus.GaugeValue, float64(s.TargetFPS), s.ID)
			ch <- prometheus.MustNewConstMetric(pipelineRunningDesc,
				prometheus.GaugeValue, boolValue(s.ProcessRunning), s.ID)
			ch <- prometheus.MustNewConstMetric(pipelineGenerationDesc,
				prometheus.GaugeValue, float64(s.Generation), s.ID)
		}
	}
	if c.sources.Network != nil {
		network := c.sources.Network()
		ch <- prometheus.MustNewConstMetric(uploadMbpsDesc,
			prometheus.GaugeValue, network.Mbps)
		ch <- prometheus.MustNewConstMetric(networkSlowDesc,
			prometheus.GaugeValue, boolValue(network.Slow))
	}
	if c.sources.Uploads != nil {
		uploads := c.sources.Uploads()
		ch <- prometheus.MustNewConstMetric(uploadQueueDepthDesc,
			prometheus.GaugeValue, float64(uploads.Depth))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
