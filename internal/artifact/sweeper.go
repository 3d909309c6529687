package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/csrsign/internal/telemetry"
)

// Sweep removes request directories last modified before cutoff and returns
// how many were removed. A zero cutoff removes every request directory, which
// is only safe before any signing has started.
func (d *Dir) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := d.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !cutoff.IsZero() && !entry.ModTime.Before(cutoff) {
			continue
		}
		if err := d.Remove(entry.ID); err != nil {
			log.Warn().Err(err).Str("request_id", entry.ID).Msg("Failed to sweep request artifacts")
			continue
		}
		removed++
	}

	if removed > 0 {
		telemetry.GetMetrics().ArtifactsSweptTotal.Add(ctx, int64(removed))
		log.Warn().Int("count", removed).Msg("Swept leftover request artifacts")
	}

	return removed, nil
}

// Sweeper periodically removes request directories older than a stale
// threshold. Directories only outlive their signing when the process died
// mid-operation or removal failed repeatedly.
type Sweeper struct {
	dir        *Dir
	interval   time.Duration
	staleAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper clears every leftover request directory, then starts a
// background goroutine that runs until Stop() is called. staleAfter must
// exceed the signing timeout so live requests are never touched.
func NewSweeper(ctx context.Context, dir *Dir, interval, staleAfter time.Duration) (*Sweeper, error) {
	if interval <= 0 || staleAfter <= 0 {
		return nil, fmt.Errorf("sweep interval and stale threshold must be positive")
	}

	// Nothing is in flight yet, so everything present is a leftover
	if _, err := dir.Sweep(ctx, time.Time{}); err != nil {
		return nil, fmt.Errorf("initial artifact sweep failed: %w", err)
	}

	sweeperCtx, cancel := context.WithCancel(ctx)

	s := &Sweeper{
		dir:        dir,
		interval:   interval,
		staleAfter: staleAfter,
		ctx:        sweeperCtx,
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.loop()

	return s, nil
}

// Stop gracefully stops the background goroutine.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info().Msg("Artifact sweeper stopped")
			return

		case <-ticker.C:
			if _, err := s.dir.Sweep(s.ctx, time.Now().Add(-s.staleAfter)); err != nil {
				log.Error().Err(err).Msg("Failed to sweep request artifacts")
			}
		}
	}
}
