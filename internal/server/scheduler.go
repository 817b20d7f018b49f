package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/queue/streams"
	"github.com/loopworks/mendloop/internal/telemetry"
)

// Sweeper periodically runs tier maintenance on the patch store. A redis
// lock keeps exactly one replica sweeping per schedule slot.
type Sweeper struct {
	Logger  *log.Logger
	Patches *patchstore.Store
	Rdb     *redis.Client
	Cron    string
	Emitter *telemetry.Emitter
	Stop    chan struct{}
}

func (s *Sweeper) Start() {
	expr, err := cronexpr.Parse(s.Cron)
	if err != nil {
		s.Logger.Printf("invalid sweep cron %q, sweeper disabled: %v", s.Cron, err)
		return
	}
	go s.run(expr)
}

func (s *Sweeper) Shutdown() {
	select {
	case <-s.Stop:
	default:
		close(s.Stop)
	}
}

func (s *Sweeper) run(expr *cronexpr.Expression) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	next := expr.Next(time.Now())
	for {
		select {
		case <-s.Stop:
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = expr.Next(now)
			s.sweepOnce(context.Background())
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "mendloop:sweep:lock", "1", 5*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("warn: sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
	}
	if n, err := s.Patches.RetryDeferred(ctx); err != nil {
		s.Logger.Printf("warn: retry deferred writes: %v", err)
	} else if n > 0 {
		s.Logger.Printf("replayed %d deferred patch writes", n)
	}
	stats, err := s.Patches.Sweep(ctx)
	if err != nil {
		s.Logger.Printf("warn: sweep: %v", err)
		return
	}
	s.Logger.Printf("sweep complete: promoted=%d demoted=%d", stats.Promoted, stats.Demoted)
	s.Emitter.Emit(ctx, streams.EventStoreSwept, map[string]interface{}{
		"promoted": stats.Promoted, "demoted": stats.Demoted,
	})
}
