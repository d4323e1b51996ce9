package guard

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/postguard/internal/metrics"
)

// runJanitor runs periodic background maintenance tasks:
//   - Sweep counter records whose window ended more than CounterGrace ago.
//   - Prune security events older than EventRetention.
//   - Update the StateDBSizeBytes gauge.
//
// It returns when ctx is cancelled.
func runJanitor(ctx context.Context, g *Guard, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Guard) sweep(ctx context.Context) {
	now := g.now()

	// Strike inheritance reads the record of the previous rate window.
	grace := max(g.cfg.CounterGrace, g.cfg.RateWindow)
	if n := g.counters.Sweep(now, grace); n > 0 {
		log.Debug().Int("removed", n).Msg("janitor: counter records swept")
	}
	metrics.CounterKeys.Set(float64(g.counters.Len()))

	if g.cfg.EventRetention > 0 {
		n, err := g.db.Prune(ctx, now.Add(-g.cfg.EventRetention))
		if err != nil {
			log.Warn().Err(err).Msg("janitor: event prune failed")
		} else if n > 0 {
			log.Debug().Int("removed", n).Msg("janitor: security events pruned")
		}
	}

	if info, err := os.Stat(g.db.DBPath()); err == nil {
		metrics.StateDBSizeBytes.Set(float64(info.Size()))
	}
}
