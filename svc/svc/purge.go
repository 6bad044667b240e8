package svc

import (
	"context"
	"sync/atomic"
	"time"

	"cipherbin/metrics"
	"cipherbin/svc/db"
	"cipherbin/svc/lim"
	"cipherbin/svc/util"

	"github.com/pkg/errors"
)

// Purger removes expired pastes in bounded batches. Sweeps are gated by the
// purge limiter, so calling Run on every create is cheap.
type Purger struct {
	store   db.Store
	limiter *lim.PurgeLimiter
	batch   int
	running atomic.Bool
}

func NewPurger(store db.Store, limiter *lim.PurgeLimiter, batch int) *Purger {
	if batch <= 0 {
		batch = 10
	}
	return &Purger{store: store, limiter: limiter, batch: batch}
}

// Run performs one sweep if the purge limiter allows it and returns the
// number of removed pastes.
func (p *Purger) Run(ctx context.Context) (int, error) {
	ok, err := p.limiter.CanPurge(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "purge limiter")
	}
	if !ok {
		return 0, nil
	}
	metrics.PurgeSweeps.Inc()
	ids, err := p.store.PurgeExpired(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired")
	}
	if len(ids) > 0 {
		metrics.PastesPurged.Add(float64(len(ids)))
		util.Info().
			Int("purged", len(ids)).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("purged expired pastes")
	}
	return len(ids), nil
}

// Start runs a sweep every interval until ctx is done.
func (p *Purger) Start(ctx context.Context, interval time.Duration) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("purger already running")
	}
	go p.loop(ctx, interval)
	return nil
}

func (p *Purger) loop(ctx context.Context, interval time.Duration) {
	defer p.running.Store(false)
	purgeRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, purgeRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", purgeRequestID).
		Dur("interval", interval).
		Msg("purge worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", purgeRequestID).
				Msg("purge worker shutting down")
			return
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil {
				util.Error().
					Err(err).
					Str("request_id", purgeRequestID).
					Msg("purge failed")
			}
		}
	}
}
