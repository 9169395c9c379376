package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const reapTimeout = 30 * time.Second

type reaper interface {
	Now(ctx context.Context) (time.Time, error)
	Reap(ctx context.Context, now time.Time) (int, error)
}

// RunReaper removes terminal records once at start and then every interval
// until ctx is cancelled. Correctness never depends on it.
func RunReaper(ctx context.Context, logger *slog.Logger, r reaper, interval time.Duration) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Info("reaper disabled", "interval", interval)
		return
	}

	reapOnce(ctx, logger, r)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapOnce(ctx, logger, r)
		}
	}
}

func reapOnce(ctx context.Context, logger *slog.Logger, r reaper) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, reapTimeout)
	defer cancel()

	now, err := r.Now(cctx)
	if err != nil {
		logger.Error("reaper clock failed", "err", err)
		return
	}

	n, err := r.Reap(cctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Error("reaper pass failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("terminal secrets deleted", "count", n)
	}
}
