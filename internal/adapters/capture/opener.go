// Package capture opens camera devices as H.264 frame sources.
//
// Device ids select the backend:
//
//	test:<name>     synthetic stream, no external process
//	file:<path>     Annex-B file replayed in a loop
//	lavfi:<graph>   ffmpeg lavfi input, e.g. lavfi:testsrc=size=640x480
//	anything else   platform camera through ffmpeg
package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	prefixTest  = "test:"
	prefixFile  = "file:"
	prefixLavfi = "lavfi:"

	defaultStartupTimeout = 10 * time.Second
)

type Config struct {
	FFmpegPath     string
	StartupTimeout time.Duration
}

// Opener implements core.SourceOpener.
type Opener struct {
	cfg    Config
	goos   string
	launch launchFunc
	logger zerolog.Logger
}

func NewOpener(cfg Config) *Opener {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	return &Opener{
		cfg:    cfg,
		goos:   runtime.GOOS,
		launch: launchExec,
		logger: log.With().Str("module", "capture").Logger(),
	}
}

var _ core.SourceOpener = (*Opener)(nil)

func (o *Opener) Open(ctx context.Context, id domain.DeviceID, opts domain.CaptureOptions) (core.FrameSource, error) {
	raw := string(id)
	switch {
	case strings.HasPrefix(raw, prefixTest):
		o.logger.Info().Str("device", raw).Int("fps", opts.FrameRate).Msg("synthetic source opened")
		return newPacedSource(opts.FrameRate, patternUnits(opts.FrameRate)), nil

	case strings.HasPrefix(raw, prefixFile):
		path := strings.TrimPrefix(raw, prefixFile)
		units, keys, err := readUnits(path)
		if err != nil {
			return nil, err
		}
		o.logger.Info().Str("device", raw).Int("units", len(units)).Msg("file source opened")
		return newPacedSource(opts.FrameRate, loopUnits(units, keys)), nil

	case strings.HasPrefix(raw, prefixLavfi):
		graph := strings.TrimPrefix(raw, prefixLavfi)
		lavfi := backend{name: "lavfi", format: "lavfi", input: func(domain.DeviceID) string { return graph }}
		return o.openFFmpeg(ctx, id, opts, []backend{lavfi})
	}
	return o.openFFmpeg(ctx, id, opts, backendsFor(o.goos))
}

// openFFmpeg tries each backend in turn until one yields a first frame.
func (o *Opener) openFFmpeg(ctx context.Context, id domain.DeviceID, opts domain.CaptureOptions, backends []backend) (core.FrameSource, error) {
	var errs []error
	for _, b := range backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := o.tryBackend(ctx, b, id, opts)
		if err == nil {
			return src, nil
		}
		o.logger.Warn().Err(err).Str("device", string(id)).Str("backend", b.name).Msg("capture backend failed")
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return nil, errors.Join(errs...)
}

type firstUnit struct {
	au  []byte
	key bool
	err error
}

func (o *Opener) tryBackend(ctx context.Context, b backend, id domain.DeviceID, opts domain.CaptureOptions) (*ffmpegSource, error) {
	args := ffmpegArgs(b, id, opts)
	logger := o.logger.With().Str("device", string(id)).Str("backend", b.name).Logger()

	proc, err := o.launch(o.cfg.FFmpegPath, args, logger)
	if err != nil {
		return nil, err
	}
	units, err := newAccessUnits(proc.Stdout())
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}

	started := time.Now()
	first := make(chan firstUnit, 1)
	go func() {
		au, key, err := units.next()
		first <- firstUnit{au: au, key: key, err: err}
	}()

	timer := time.NewTimer(o.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case f := <-first:
		if f.err != nil {
			_ = proc.Stop()
			return nil, fmt.Errorf("no video: %w", f.err)
		}
		logger.Info().Dur("startup", time.Since(started)).Msg("capture started")
		return &ffmpegSource{
			device:  id,
			proc:    proc,
			units:   units,
			start:   started,
			logger:  logger,
			first:   f.au,
			firstKF: f.key,
		}, nil
	case <-timer.C:
		_ = proc.Stop()
		return nil, fmt.Errorf("no frame within %s", o.cfg.StartupTimeout)
	case <-ctx.Done():
		_ = proc.Stop()
		return nil, ctx.Err()
	}
}
