package lim

import (
	"context"
	"strconv"
	"time"

	"cipherbin/svc/db"

	"github.com/pkg/errors"
)

// PurgeLimiter gates purge sweeps to at most one per limit across all
// processes sharing the ConfigStore. Concurrent callers may both pass; a
// duplicate sweep only wastes work.
type PurgeLimiter struct {
	store db.ConfigStore
	limit time.Duration
	now   func() time.Time
}

func NewPurge(store db.ConfigStore, limit time.Duration) *PurgeLimiter {
	return &PurgeLimiter{store: store, limit: limit, now: time.Now}
}

// CanPurge reports whether a sweep may run now and, if so, moves the next
// allowed purge time forward by limit.
func (p *PurgeLimiter) CanPurge(ctx context.Context) (bool, error) {
	if p.limit <= 0 {
		return true, nil
	}
	now := p.now()
	v, err := p.store.GetValue(ctx, db.NamespacePurgeLimiter, "")
	if err != nil {
		return false, errors.Wrap(err, "purge limiter get")
	}
	if next, err := strconv.ParseInt(v, 10, 64); err == nil && now.Unix() < next {
		return false, nil
	}
	next := now.Add(p.limit).Unix()
	if err := p.store.SetValue(ctx, strconv.FormatInt(next, 10), db.NamespacePurgeLimiter, ""); err != nil {
		return false, errors.Wrap(err, "purge limiter set")
	}
	return true, nil
}
