package db

import (
	"context"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"cipherbin/pkg/domain"
	"cipherbin/svc/util"
)

// sweepProbeFactor bounds how many pastes a sweep opens per paste it may delete.
const sweepProbeFactor = 10

// expiryFunc returns the expire_date of a paste; ok is false when the paste
// vanished between listing and lookup.
type expiryFunc func(ctx context.Context, id string) (expire int64, ok bool, err error)

// sweepExpired inspects a shuffled sample of ids so that a backlog does not
// always hit the lexicographically first pastes, and deletes at most
// batchSize of the expired ones. Failed lookups and deletes are skipped and
// picked up by a later sweep.
func sweepExpired(ctx context.Context, ids []string, batchSize int, now time.Time, expiry expiryFunc, del func(context.Context, string) error) ([]string, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	limit := batchSize * sweepProbeFactor
	deadline := now.Unix()
	var expired []string
	opened := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purgeIDs(ctx, expired, del), err
		}
		exp, ok, err := expiry(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("purge: expiry lookup failed")
			continue
		}
		if !ok {
			continue
		}
		if exp > 0 && exp < deadline {
			expired = append(expired, id)
			if len(expired) >= batchSize {
				break
			}
		}
		opened++
		if opened >= limit {
			break
		}
	}
	return purgeIDs(ctx, expired, del), nil
}

func purgeIDs(ctx context.Context, ids []string, del func(context.Context, string) error) []string {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := del(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("purge: delete failed, retrying next sweep")
			continue
		}
		removed = append(removed, id)
	}
	return removed
}

// orderComments sorts oldest first. Comments sharing a timestamp are
// ordered by comment id, so every backend returns ties in the same order
// whatever its listing order.
func orderComments(cs []domain.Comment) []domain.Comment {
	sort.SliceStable(cs, func(i, j int) bool {
		ci, cj := cs[i].Created(), cs[j].Created()
		if ci != cj {
			return ci < cj
		}
		return cs[i].ID < cs[j].ID
	})
	return cs
}

func parseUnix(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
