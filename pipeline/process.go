package pipeline

import (
	"io/fs"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// termGrace is how long a terminated encoder gets to exit before SIGKILL.
const termGrace = 3 * time.Second

var (
	// ErrEncoderUnavailable marks a missing encoder binary. Not fatal:
	// the supervisor keeps watching for the binary to appear.
	ErrEncoderUnavailable = errors.New("encoder binary unavailable")

	// ErrEncoderStart marks a failed process launch.
	ErrEncoderStart = errors.New("encoder failed to start")
)

// Process is a handle to one running encoder instance and the parameters
// it was started with.
type Process struct {
	cmd    *exec.Cmd
	params Parameters
	log    zerolog.Logger

	waitDone chan struct{}
}

// buildArgs assembles the encoder argv for one parameter set. The command
// dialect follows ffmpeg; binary and output target come from config.
func buildArgs(sourceURL, output string, params Parameters) []string {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", sourceURL,
		"-c:v", "libx264",
		"-preset", "superfast",
		"-tune", "zerolatency",
		"-r", strconv.Itoa(params.FPS),
		"-b:v", formatBitrate(params.Bitrate),
	}
	if params.Width > 0 && params.Height > 0 {
		args = append(args, "-vf",
			"scale="+strconv.Itoa(params.Width)+":"+strconv.Itoa(params.Height))
	}
	return append(args, "-f", "mpegts", output)
}

// StartProcess launches the encoder with the given parameter set. The
// returned handle is live; exit is observed in the background.
func StartProcess(binary, sourceURL, output string, params Parameters, logger zerolog.Logger) (*Process, error) {
	p := &Process{
		cmd:      exec.Command(binary, buildArgs(sourceURL, output, params)...),
		params:   params,
		log:      logger,
		waitDone: make(chan struct{}),
	}
	// own process group, signals from the agent's terminal don't reach
	// the encoder
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := p.cmd.Start(); err != nil {
		// the binary can vanish between the supervisor's lookup and the
		// launch; that case stays retryable through the binary watcher
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrEncoderUnavailable, "%s", binary)
		}
		return nil, errors.Wrapf(ErrEncoderStart, "%s", err)
	}
	p.log.Info().Int("pid", p.cmd.Process.Pid).Int("fps", params.FPS).
		Int("bitrate", params.Bitrate).Msg("encoder started")

	go func() {
		err := p.cmd.Wait()
		if err != nil {
			p.log.Debug().Err(err).Msg("encoder exited")
		}
		close(p.waitDone)
	}()
	return p, nil
}

// Parameters returns the set the process was started with.
func (p *Process) Parameters() Parameters {
	return p.params
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Terminate stops the encoder: SIGTERM, a grace period, then SIGKILL.
// It returns once the process has exited.
func (p *Process) Terminate() {
	if !p.Running() {
		return
	}
	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil {
		p.log.Debug().Err(err).Msg("terminate signal failed")
	}
	select {
	case <-p.waitDone:
		return
	case <-time.After(termGrace):
	}
	p.log.Warn().Int("pid", p.cmd.Process.Pid).Msg("encoder ignored SIGTERM, killing")
	p.cmd.Process.Kill()
	<-p.waitDone
}
