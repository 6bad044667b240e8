package lim

import (
	"sync"
	"time"

	"cipherbin/metrics"
	"cipherbin/svc/util"
)

const (
	scanSlots     = 5
	scanSlotWidth = time.Minute
	scanMinMisses = 20
	scanMissRatio = 0.5
)

// ScanDetector watches paste lookups for id guessing. Ids are 64 random
// bits, so honest readers almost always hit; a window where most lookups
// miss means someone is walking the id space.
type ScanDetector struct {
	mu       sync.Mutex
	slots    [scanSlots]readSlot
	current  int
	onScan   func()
	done     chan struct{}
	stopOnce sync.Once
}

type readSlot struct {
	hits   int64
	misses int64
}

func NewScanDetector(onScan func()) *ScanDetector {
	return &ScanDetector{onScan: onScan, done: make(chan struct{})}
}

func (d *ScanDetector) Start() {
	ticker := time.NewTicker(scanSlotWidth)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Rotate()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *ScanDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// RecordRead counts one lookup of a paste or its comments.
func (d *ScanDetector) RecordRead(found bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if found {
		d.slots[d.current].hits++
	} else {
		d.slots[d.current].misses++
	}
}

// Rotate evaluates the window and starts a fresh slot.
func (d *ScanDetector) Rotate() {
	d.mu.Lock()
	var hits, misses int64
	for _, s := range d.slots {
		hits += s.hits
		misses += s.misses
	}
	d.current = (d.current + 1) % scanSlots
	d.slots[d.current] = readSlot{}
	d.mu.Unlock()

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(misses) / float64(total)
	}
	metrics.ReadMissRatio.Set(ratio)
	if misses < scanMinMisses || ratio <= scanMissRatio {
		return
	}
	util.Warn().
		Int64("hits", hits).
		Int64("misses", misses).
		Float64("miss_ratio", ratio).
		Msg("paste id scan suspected, halving read allowance")
	if d.onScan != nil {
		d.onScan()
	}
}
