package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog"
)

// backend is one way of asking ffmpeg for a device.
type backend struct {
	name   string
	format string
	input  func(domain.DeviceID) string
}

// backendsFor returns the capture backends to try on goos, preferred first.
// The generic entry lets ffmpeg probe the input itself.
func backendsFor(goos string) []backend {
	plain := func(id domain.DeviceID) string { return string(id) }
	generic := backend{name: "generic", input: plain}
	switch goos {
	case "linux":
		return []backend{{name: "v4l2", format: "v4l2", input: plain}, generic}
	case "darwin":
		return []backend{{name: "avfoundation", format: "avfoundation", input: plain}, generic}
	case "windows":
		return []backend{{
			name:   "dshow",
			format: "dshow",
			input:  func(id domain.DeviceID) string { return "video=" + string(id) },
		}, generic}
	default:
		return []backend{generic}
	}
}

// ffmpegArgs builds an ffmpeg command line that writes raw Annex-B H.264
// to stdout. Mode "h264" copies the camera's own stream; anything else
// encodes with libx264 tuned for latency.
func ffmpegArgs(b backend, id domain.DeviceID, opts domain.CaptureOptions) []string {
	fps := strconv.Itoa(opts.FrameRate)
	size := fmt.Sprintf("%dx%d", opts.Width, opts.Height)

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	copyH264 := opts.Mode == "h264"
	rescale := false
	switch b.format {
	case "":
		rescale = true
	case "lavfi":
		// lavfi yields raw video, so there is nothing to copy.
		args = append(args, "-f", "lavfi")
		copyH264, rescale = false, true
	default:
		args = append(args, "-f", b.format, "-framerate", fps, "-video_size", size)
		if b.format == "v4l2" && copyH264 {
			args = append(args, "-input_format", "h264")
		}
	}
	args = append(args, "-i", b.input(id), "-an")

	if copyH264 {
		args = append(args, "-c:v", "copy", "-bsf:v", "dump_extra")
	} else {
		gop := strconv.Itoa(max(opts.FrameRate, 1) * 2)
		args = append(args,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
			"-profile:v", "baseline",
			"-pix_fmt", "yuv420p",
			"-bf", "0",
			"-g", gop,
			"-x264-params", "repeat-headers=1",
		)
		if rescale {
			args = append(args, "-r", fps, "-s", size)
		}
	}
	return append(args, "-f", "h264", "pipe:1")
}

// process is a running capture command.
type process interface {
	Stdout() io.Reader
	Stop() error
}

type launchFunc func(bin string, args []string, logger zerolog.Logger) (process, error)

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger zerolog.Logger

	stopOnce sync.Once
	stopErr  error
	exited   chan struct{}
	waitErr  error
}

func launchExec(bin string, args []string, logger zerolog.Logger) (process, error) {
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &execProcess{cmd: cmd, stdout: stdout, logger: logger, exited: make(chan struct{})}
	go p.logStderr(stderr)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	logger.Debug().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("ffmpeg started")
	return p, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Warn().Str("stderr", sc.Text()).Msg("ffmpeg")
	}
}

// Stop kills the process and reaps it. A kill-induced exit is not an error.
func (p *execProcess) Stop() error {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.stopErr = err
			}
		}
		select {
		case <-p.exited:
		case <-time.After(3 * time.Second):
			p.stopErr = errors.New("ffmpeg did not exit")
		}
	})
	return p.stopErr
}

// ffmpegSource reads access units from a running process.
type ffmpegSource struct {
	device domain.DeviceID
	proc   process
	units  *accessUnits
	start  time.Time
	logger zerolog.Logger

	// first is the unit read while probing the backend.
	first   []byte
	firstKF bool

	closeOnce sync.Once
}

func (s *ffmpegSource) Read() (domain.Frame, error) {
	if s.first != nil {
		f := domain.Frame{Data: s.first, Timestamp: time.Since(s.start), Keyframe: s.firstKF}
		s.first = nil
		return f, nil
	}
	au, key, err := s.units.next()
	if err != nil {
		return domain.Frame{}, fmt.Errorf("ffmpeg %s: %w", s.device, err)
	}
	return domain.Frame{Data: au, Timestamp: time.Since(s.start), Keyframe: key}, nil
}

func (s *ffmpegSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.proc.Stop()
		s.logger.Info().Msg("ffmpeg stopped")
	})
	return err
}
