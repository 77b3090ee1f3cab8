// Package gc removes local block files that newer writes superseded.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/metrics"
)

// Options configures a Sweeper.
type Options struct {
	Store     meta.Store
	BatchSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Sweeper drains the metadata store's garbage queue.
type Sweeper struct {
	store     meta.Store
	batchSize int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewSweeper wires the metadata store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	return &Sweeper{
		store:     opts.Store,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With().Str("component", "gc").Logger(),
		metrics:   opts.Metrics,
	}
}

// Sweep performs a best-effort pass, returning the number of queue entries
// collected. Files already gone count as collected.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("gc sweeper missing metadata store")
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	var total int
	defer func() { s.metrics.ObserveCollected(total) }()
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		paths, err := s.store.ListGarbage(ctx, limit)
		if err != nil {
			return total, err
		}
		if len(paths) == 0 {
			return total, nil
		}
		for _, p := range paths {
			if err := s.remove(ctx, p); err != nil {
				return total, err
			}
			total++
		}
		if len(paths) < limit {
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("collected", n).Msg("sweep finished")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gc: remove %s: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Msg("block removed")
	return s.store.MarkCollected(ctx, path)
}
