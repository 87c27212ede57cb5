package util

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// GracefulShutdown waits for a signal or context close and then calls the
// shutdown function in a blocking fashion. If the shutdown function does
// not complete within the timeout, the function exits early.
func GracefulShutdown(ctx context.Context, handleShutdown func(), timeout time.Duration) {
	// buffered or we risk missing a signal sent before we are ready
	s := make(chan os.Signal, 1)
	signal.Notify(s,
		unix.SIGHUP,
		unix.SIGINT,
		unix.SIGTERM)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-s:
			if sig == unix.SIGHUP {
				continue
			}
			log.Info().Msgf("caught signal %s", sig)
			break loop
		}
	}
	done := make(chan struct{})
	go func() {
		handleShutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("graceful shutdown complete")
	case <-time.After(timeout):
		log.Warn().Msg("graceful shutdown timed out")
	}
}
