package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/Showmax/go-fqdn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voc/edge-agent/alert"
	"github.com/voc/edge-agent/api"
	"github.com/voc/edge-agent/config"
	"github.com/voc/edge-agent/events"
	"github.com/voc/edge-agent/metrics"
	"github.com/voc/edge-agent/monitor"
	"github.com/voc/edge-agent/registry"
	"github.com/voc/edge-agent/upload"
	"github.com/voc/edge-agent/util"
)

func getHostname() string {
	name, err := fqdn.FqdnHostname()
	if err == nil {
		return name
	}
	name, err = os.Hostname()
	if err != nil {
		log.Fatal().Err(err).Msg("hostname")
	}
	return name
}

func main() {
	name := getHostname()
	configPath := flag.String("config", "config.yml", "path to configuration file")
	credentialsPath := flag.String("credentials", "credentials.toml", "path to cloud credentials file")
	listen := flag.String("listen", "", "override the api listen address")
	debug := flag.Bool("debug", false, "sets log level to debug")
	flag.StringVar(&name, "name", name, "set agent name (defaults to fqdn)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("host", name).Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Parse(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}

	if err := os.MkdirAll(cfg.Chunks.Dir, 0755); err != nil {
		log.Fatal().Err(err).Msg("chunk dir")
	}

	eventLog, err := events.NewLog(cfg.EventDir)
	if err != nil {
		log.Fatal().Err(err).Msg("event log")
	}

	creds, err := upload.LoadCredentials(*credentialsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("credentials")
	}
	if !creds.Complete() {
		log.Warn().Msg("no cloud credentials, chunk uploads disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := upload.NewQueue(creds)
	queue.Run(ctx)

	reg := registry.NewRegistry(ctx, cfg, eventLog, queue)
	notifier := alert.NewNotifier(cfg.Telegram)
	netmon := monitor.NewMonitor(ctx, cfg.SlowThresholdMbps, reg, notifier)

	promReg := prometheus.NewPedanticRegistry()
	promReg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	metrics.Register(promReg, metrics.Sources{
		Streams: func() []metrics.StreamStats {
			statuses := reg.Status()
			stats := make([]metrics.StreamStats, 0, len(statuses))
			for _, s := range statuses {
				stats = append(stats, metrics.StreamStats{
					ID:             s.ID,
					MotionActive:   s.MotionActive,
					TargetFPS:      s.TargetFPS,
					Generation:     s.Generation,
					ProcessRunning: s.ProcessRunning,
				})
			}
			return stats
		},
		Network: func() metrics.NetworkStats {
			status := netmon.Status()
			return metrics.NetworkStats{
				Mbps:      status.Mbps,
				Slow:      status.Slow,
				Threshold: status.Threshold,
			}
		},
		Uploads: func() metrics.UploadStats {
			status := queue.Status()
			return metrics.UploadStats{
				Depth:         status.Depth,
				Enabled:       status.Enabled,
				Authenticated: status.Authenticated,
			}
		},
	})

	server := api.NewServer(ctx, cfg.ListenAddress, api.Collaborators{
		Registry: reg,
		Monitor:  netmon,
		Uploads:  queue,
		Events:   eventLog,
		Metrics:  promReg,
	})

	log.Info().Str("listen", cfg.ListenAddress).Int("streams", len(cfg.Streams)).Msg("edge agent running")

	util.GracefulShutdown(ctx, func() {
		cancel()
		reg.Stop()
		netmon.Stop()
		queue.Stop()
		server.Wait()
	}, 15*time.Second)
}
