package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/rtfscore/pkg/execctx"
)

// Sweeper is background maintenance run on the retention interval. Sweep
// returns how many items it reclaimed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func(ctx context.Context) (int, error)

// Sweep implements Sweeper.
func (f SweeperFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

type namedSweeper struct {
	name string
	s    Sweeper
}

type sweepState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// AddSweeper registers an extra sweeper run after retention on every sweep.
func (s *Session) AddSweeper(name string, sw Sweeper) {
	if sw == nil {
		return
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	s.sweepers = append(s.sweepers, namedSweeper{name: name, s: sw})
}

// SetSweepTimeout bounds a single sweep. Zero means no limit.
func (s *Session) SetSweepTimeout(timeout time.Duration) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	s.sweepTimeout = timeout
}

// retention prunes finished branches and, when configured, checkpoints the
// current chain first so RequireCheckpoint can reclaim merged work.
func (s *Session) retention(ctx context.Context) (int, error) {
	cfg := s.cfg.Retention()
	if cfg.CheckpointOnSweep {
		if _, err := s.mgr.Checkpoint(ctx, "sweep"); err != nil {
			return 0, err
		}
	}
	return s.mgr.Prune(execctx.PruneOptions{
		RequireCheckpoint: cfg.RequireCheckpoint,
		AbandonedAfter:    cfg.AbandonedAfter,
	}), nil
}

// SweepOnce runs retention and every registered sweeper. It returns the
// total reclaimed; sweeper errors are logged and the first is returned.
func (s *Session) SweepOnce(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	sweepers := append([]namedSweeper{{name: "retention", s: SweeperFunc(s.retention)}}, s.sweepers...)
	timeout := s.sweepTimeout
	s.sweepMu.Unlock()

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = s.withIDs(ctx)
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "Runtime.Sweep", trace.WithAttributes(
		attribute.Int("sweepers", len(sweepers)),
		attribute.String("timeout", timeout.String()),
	))
	defer span.End()

	var (
		total int
		first error
	)
	for _, sw := range sweepers {
		n, err := sw.s.Sweep(ctx)
		if err != nil {
			span.RecordError(err)
			s.metrics.RecordError(ctx, err, "sweeper")
			s.logger.WarnContext(ctx, "runtime.sweep.error",
				slog.String("sweeper", sw.name),
				slog.String("error", err.Error()),
			)
			if first == nil {
				first = fmt.Errorf("sweeper %s: %w", sw.name, err)
			}
			continue
		}
		total += n
	}
	elapsed := time.Since(start)
	s.metrics.RecordSweep(ctx, elapsed)
	span.SetAttributes(attribute.Int("reclaimed", total))
	if first != nil {
		span.SetStatus(codes.Error, "sweep failed")
	}
	s.logger.InfoContext(ctx, "runtime.sweep.complete",
		slog.Int("reclaimed", total),
		slog.Int("sweepers", len(sweepers)),
		slog.Duration("elapsed", elapsed),
	)
	return total, first
}

// startSweeper must be called with s.mu held.
func (s *Session) startSweeper() {
	interval := s.cfg.Retention().Interval
	if interval <= 0 {
		s.logger.Info("runtime.sweeper.disabled", slog.Duration("interval", interval))
		return
	}
	if s.sweep.cancel != nil {
		s.stopSweeper()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sweep.cancel = cancel
	s.sweep.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Info("runtime.sweeper.start", slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("runtime.sweeper.stop")
				return
			case <-ticker.C:
				_, _ = s.SweepOnce(ctx)
			}
		}
	}()
}

// stopSweeper must be called with s.mu held.
func (s *Session) stopSweeper() {
	if s.sweep.cancel == nil {
		return
	}
	s.sweep.cancel()
	if s.sweep.done != nil {
		<-s.sweep.done
	}
	s.sweep.cancel = nil
	s.sweep.done = nil
}
