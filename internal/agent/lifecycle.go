package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

func (a *Agent) run(ctx context.Context) error {
	if err := a.channel.Connect(); err != nil {
		return fmt.Errorf("initial channel connect: %w", err)
	}
	if a.camera != nil {
		// The snapshot dir may be filled later; a missing camera only
		// disables frames.
		if err := a.camera.Start(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("camera unavailable, frames disabled", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runConsole(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	if a.cfg.ProbeListenAddr != "" {
		g.Go(func() error {
			return a.runProbeListener(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runConsole feeds console lines to handleLine until EOF, /quit or ctx.
// The scanner goroutine may outlive ctx while blocked on a read.
func (a *Agent) runConsole(ctx context.Context) error {
	if a.in == nil {
		<-ctx.Done()
		return nil
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			a.logger.Warn("console read failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				a.logger.Info("console closed")
				<-ctx.Done()
				return nil
			}
			if err := a.handleLine(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := a.clock.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			a.logHealth()
		}
	}
}

func (a *Agent) logHealth() {
	st := a.channel.Stats()
	a.logger.Log(context.Background(), slog.LevelDebug, "agent health",
		"snapshot", a.health.Snapshot(),
		"sent", st.Sent,
		"dropped", st.Dropped,
		"received", st.Received,
	)
}

// shutdown ends capture first so a recording in progress still goes out,
// then closes the channel.
func (a *Agent) shutdown(ctx context.Context) {
	if a.camera != nil {
		if err := a.camera.Stop(); err != nil {
			a.logger.Warn("camera stop failed", "error", err)
		}
	}
	if a.audio != nil {
		if err := a.audio.Stop(ctx); err != nil {
			a.logger.Warn("audio stop failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		_ = a.channel.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("channel close timed out", "timeout", a.cfg.ShutdownTimeout)
	}
}
