package lim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cipherbin/metrics"
	"cipherbin/pkg/domain"
	"cipherbin/svc/db"
	"cipherbin/svc/util"

	"github.com/pkg/errors"
)

// SaltFunc returns the server salt used to key per-address entries.
type SaltFunc func(ctx context.Context) (string, error)

// TrafficLimiter enforces a minimum interval between submissions of the same
// client address. State lives in the ConfigStore so several processes can
// share it; raw addresses are never stored.
type TrafficLimiter struct {
	store    db.ConfigStore
	limit    time.Duration
	exempted []Matcher
	creators []Matcher
	salt     SaltFunc
	now      func() time.Time
}

func NewTraffic(store db.ConfigStore, limit time.Duration, exempted, creators []string, salt SaltFunc) (*TrafficLimiter, error) {
	ex, err := ParseMatchers(exempted)
	if err != nil {
		return nil, errors.Wrap(err, "traffic exempted")
	}
	cr, err := ParseMatchers(creators)
	if err != nil {
		return nil, errors.Wrap(err, "traffic creators")
	}
	return &TrafficLimiter{
		store:    store,
		limit:    limit,
		exempted: ex,
		creators: cr,
		salt:     salt,
		now:      time.Now,
	}, nil
}

func (l *TrafficLimiter) Limit() time.Duration { return l.limit }

// StoreName names the ConfigStore holding the limiter state.
func (l *TrafficLimiter) StoreName() string { return l.store.Name() }

// CanPass returns nil when addr may submit now. Rejections are
// domain.ErrNotCreator or domain.ErrRateLimited carrying the wait message.
func (l *TrafficLimiter) CanPass(ctx context.Context, addr string) error {
	if len(l.creators) > 0 && !MatchAny(l.creators, addr) {
		metrics.LimiterRejections.WithLabelValues("creator").Inc()
		return domain.ErrNotCreator
	}
	if MatchAny(l.exempted, addr) {
		return nil
	}
	secs := int64(l.limit / time.Second)
	if secs < 1 {
		return nil
	}

	salt, err := l.salt(ctx)
	if err != nil {
		return errors.Wrap(err, "traffic limiter salt")
	}
	key := util.HashIP(addr, salt)
	now := l.now().Unix()

	if err := l.store.PurgeValues(ctx, db.NamespaceTrafficLimiter, now-secs); err != nil {
		util.Warn().Err(err).Msg("traffic limiter purge failed")
	}

	last, err := l.store.GetValue(ctx, db.NamespaceTrafficLimiter, key)
	if err != nil {
		return errors.Wrap(err, "traffic limiter get")
	}
	if ts, err := strconv.ParseInt(last, 10, 64); err == nil && ts > 0 && now-ts < secs {
		metrics.LimiterRejections.WithLabelValues("interval").Inc()
		util.Debug().Str("client", util.RedactIP(addr)).Msg("submission too fast")
		return domain.ErrRateLimited.WithMsg(fmt.Sprintf("Please wait %d seconds between each post.", secs))
	}

	if err := l.store.SetValue(ctx, strconv.FormatInt(now, 10), db.NamespaceTrafficLimiter, key); err != nil {
		return errors.Wrap(err, "traffic limiter set")
	}
	return nil
}
