package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/camcast/internal/adapters/capture"
	router "github.com/dkeye/camcast/internal/adapters/http"
	"github.com/dkeye/camcast/internal/adapters/rtc"
	"github.com/dkeye/camcast/internal/app/orch"
	"github.com/dkeye/camcast/internal/app/relay"
	"github.com/dkeye/camcast/internal/app/session"
	"github.com/dkeye/camcast/internal/config"
	"github.com/dkeye/camcast/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	peers, err := rtc.NewFactory(rtc.FactoryConfig{
		ICEServers:    cfg.WebRTC.ICEServers,
		GatherTimeout: cfg.WebRTC.GatherTimeout,
		UDPPortMin:    cfg.WebRTC.UDPPortMin,
		UDPPortMax:    cfg.WebRTC.UDPPortMax,
		NAT1To1IPs:    cfg.WebRTC.NAT1To1IPs,
		LoggerFactory: rtc.NewLoggerFactory(log.Logger, zerolog.WarnLevel),
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	opener := capture.NewOpener(capture.Config{
		FFmpegPath:     cfg.Capture.FFmpegPath,
		StartupTimeout: cfg.Capture.StartupTimeout,
	})

	o := &orch.Orchestrator{
		Registry: session.NewRegistry(),
		Relay:    relay.NewDeviceRelay(opener, cfg.Capture.QueueSize),
		Peers:    peers,
		Defaults: domain.CaptureOptions{
			Width:     cfg.Capture.Width,
			Height:    cfg.Capture.Height,
			FrameRate: cfg.Capture.FrameRate,
			Mode:      cfg.Capture.Mode,
		},
		AnswerTimeout: cfg.WebRTC.AnswerTimeout,
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("camcast server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdown(srv, o, cfg.ShutdownTimeout)
		return nil
	})
	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the HTTP server and then the sessions. Each stage gets its
// own timeout.
func shutdown(srv, sessions shutdowner, timeout time.Duration) {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), timeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sessCtx, sessCancel := context.WithTimeout(context.Background(), timeout)
	defer sessCancel()
	if err := sessions.Shutdown(sessCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not close cleanly")
	}
}
