package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"jarvis-link/internal/capture"
	"jarvis-link/internal/channel"
	"jarvis-link/internal/clock"
	"jarvis-link/internal/config"
	"jarvis-link/internal/transport"
)

type Agent struct {
	cfg       config.Config
	logger    *slog.Logger
	clock     clock.Clock
	channel   *channel.Manager
	camera    *capture.Camera
	audio     *capture.Audio
	health    *HealthStatus
	sessionID string

	in    io.Reader
	outMu sync.Mutex
	out   io.Writer
}

// deps are the pieces New derives from config; tests substitute them.
type deps struct {
	dialer transport.Dialer
	clock  clock.Clock
	video  capture.VideoSource
	mic    capture.AudioSource
	in     io.Reader
	out    io.Writer
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	dialer, err := transport.NewDialerFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("channel transport: %w", err)
	}

	d := deps{
		dialer: dialer,
		clock:  clock.Real(),
		in:     os.Stdin,
		out:    os.Stdout,
	}
	if cfg.CameraDir != "" {
		d.video = capture.SnapshotDir{Dir: cfg.CameraDir}
	}
	if cfg.AudioDevice != "" {
		d.mic = capture.PCMDevice{
			Path: cfg.AudioDevice,
			Format: capture.AudioFormat{
				SampleRate:    cfg.AudioSampleRate,
				Channels:      cfg.AudioChannels,
				BitsPerSample: 16,
			},
		}
	}
	return newAgent(cfg, logger, d), nil
}

func newAgent(cfg config.Config, logger *slog.Logger, d deps) *Agent {
	health := NewHealthStatus()
	mgr := channel.New(d.dialer, channel.Options{
		Policy: channel.ReconnectPolicy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			CapDelay:    cfg.ReconnectMaxDelay,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		Clock:             d.clock,
		Logger:            logger.With("component", "channel"),
	})

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		clock:     d.clock,
		channel:   mgr,
		health:    health,
		sessionID: uuid.NewString(),
		in:        d.in,
		out:       d.out,
	}
	if d.video != nil {
		a.camera = capture.NewCamera(d.video, mgr, capture.CameraOptions{
			Interval: cfg.CameraInterval,
			MaxWidth: cfg.CameraMaxWidth,
			Quality:  cfg.CameraJPEGQuality,
			Clock:    d.clock,
			Logger:   logger,
		})
	}
	if d.mic != nil {
		a.audio = capture.NewAudio(d.mic, mgr, capture.AudioOptions{Clock: d.clock, Logger: logger})
	}

	mgr.OnStateChange(a.onStateChange)
	a.registerConsumers(mgr.Dispatcher())
	return a
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting jarvis-link",
		"client_id", a.cfg.ClientID,
		"transport", a.cfg.Transport,
		"session_id", a.sessionID,
		"version", a.cfg.AgentVersion,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Agent terminated by itself (/quit, startup error, parent ctx canceled).
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) && !errors.Is(runErr, errQuit) {
		return runErr
	}
	a.logger.Info("jarvis-link stopped")
	return nil
}

func (a *Agent) onStateChange(c channel.StateChange) {
	a.health.ObserveState(c, a.clock.Now())
	switch c.New {
	case channel.StateConnected:
		a.printf("* connected\n")
	case channel.StateReconnecting:
		a.printf("* connection lost, retrying in %s (attempt %d/%d)\n", c.Delay, c.Attempt, a.channel.Policy().MaxAttempts)
	case channel.StateFailed:
		a.printf("* could not reach the server; type /reconnect to try again\n")
	case channel.StateDisconnected:
		a.printf("* disconnected\n")
	}
}

func (a *Agent) printf(format string, args ...any) {
	if a.out == nil {
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = fmt.Fprintf(a.out, format, args...)
}

// BuildLogger logs to stderr, leaving stdout to the console.
func BuildLogger(cfg config.Config) *slog.Logger {
	return buildLogger(cfg, os.Stderr)
}

func buildLogger(cfg config.Config, base io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}

	w := base
	if cfg.LogFile != "" {
		w = io.MultiWriter(base, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     14,
			Compress:   true,
		})
	}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}
