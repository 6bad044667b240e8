package lim

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cipherbin/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

// ReadLimiter is a per-address token bucket guarding the read endpoints.
// It is process local; the create path is limited by TrafficLimiter.
// While the scan detector reports id guessing the per-minute allowance is
// halved for everyone.
type ReadLimiter struct {
	scan           *ScanDetector
	tightenedUntil int64
	limiters       map[string]*limiterEntry
	mu             sync.Mutex
	rpm            int
	burst          int
	quit           chan struct{}
	evictionSem    chan struct{}
	now            func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func NewReadLimiter(rpm, burst int) *ReadLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ReadLimiter{
		limiters:    make(map[string]*limiterEntry),
		rpm:         rpm,
		burst:       burst,
		quit:        make(chan struct{}),
		evictionSem: make(chan struct{}, 1),
		now:         time.Now,
	}
	l.scan = NewScanDetector(l.Tighten)
	return l
}

// Start launches the eviction loop and the scan detector.
func (l *ReadLimiter) Start() {
	l.scan.Start()
	go l.cleanupLoop()
}

func (l *ReadLimiter) Stop() {
	close(l.quit)
	l.scan.Stop()
}

func (l *ReadLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-l.quit:
			return
		}
	}
}

func (l *ReadLimiter) evictExpired() {
	now := l.now()
	toDelete := make([]string, 0, 100)
	l.mu.Lock()
	for key, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.limiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.limiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("read limiter cleanup")
	}
}

// Tighten halves the read allowance for the next minute.
func (l *ReadLimiter) Tighten() {
	atomic.StoreInt64(&l.tightenedUntil, l.now().Add(60*time.Second).Unix())
}

func (l *ReadLimiter) tightened() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.tightenedUntil)
}

// RecordRead feeds the outcome of a paste lookup to the scan detector.
func (l *ReadLimiter) RecordRead(found bool) { l.scan.RecordRead(found) }

// Allow consumes one token for addr. A zero rpm disables the guard.
func (l *ReadLimiter) Allow(addr string) *RateLimitResult {
	now := l.now()
	reset := now.Add(time.Minute)
	if l.rpm <= 0 {
		return &RateLimitResult{Allowed: true, Reset: reset}
	}

	limit := l.rpm
	burst := l.burst
	if l.tightened() {
		limit = max(limit/2, 1)
		burst = max(burst/2, 1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) >= (maxLimiters*9)/10 {
		if toEvict := len(l.limiters) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(toEvict)
				}()
			default:
			}
		}
	}

	entry, ok := l.limiters[addr]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.limiters)).
				Str("client", util.RedactIP(addr)).
				Msg("read limiter at capacity, rejecting request")
			return &RateLimitResult{Allowed: false, Limit: limit, Reset: reset}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.limiters[addr] = entry
	}
	entry.lastAccess = now
	entry.limiter.SetLimitAt(now, rate.Limit(float64(limit)/60.0))
	entry.limiter.SetBurstAt(now, burst)

	if !entry.limiter.AllowN(now, 1) {
		return &RateLimitResult{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(entry.limiter.TokensAt(now)),
		Reset:     reset,
	}
}

func (l *ReadLimiter) evictOldest(count int) {
	l.mu.Lock()
	if len(l.limiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.limiters))
	for k, v := range l.limiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.limiters[entries[i].key]; exists {
			delete(l.limiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}
