// Package pacing enforces minimum spacing between outbound gateway requests.
//
// The gateway shares one pacing budget across every concurrent caller in the
// process. Each call reserves the next free slot under a mutex and then
// sleeps until its slot arrives, so admission order follows call order and
// no two requests can claim the same slot.
package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the minimum intervals the limiter enforces
type Config struct {
	GeneralInterval      time.Duration // Gap between any two requests
	HistoricalInterval   time.Duration // Gap between historical-data requests
	IdenticalKeyInterval time.Duration // Gap between requests with the same dedupe key
}

// Stats reports limiter activity counters
type Stats struct {
	Requests    uint64        `json:"requests"`
	Waits       uint64        `json:"waits"` // Requests that had to sleep
	TotalWaited time.Duration `json:"total_waited_ms"`
	TrackedKeys int           `json:"tracked_keys"`
}

// Limiter implements domain.RequestPacer
type Limiter struct {
	mu             sync.Mutex
	cfg            Config
	nextGeneral    time.Time
	nextHistorical time.Time
	lastByKey      map[string]time.Time // Key -> reserved fire time of its last request

	requests    uint64
	waits       uint64
	totalWaited time.Duration

	log zerolog.Logger
	now func() time.Time
}

// New creates a limiter with the given spacing configuration
func New(cfg Config, log zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:       cfg,
		lastByKey: make(map[string]time.Time),
		log:       log.With().Str("component", "pacing").Logger(),
		now:       time.Now,
	}
}

// WaitIfNeeded blocks until the next request tagged with key may go out.
// historical requests get the stricter historical spacing on top of the
// general one. Returns the context error if ctx ends while waiting.
func (l *Limiter) WaitIfNeeded(ctx context.Context, historical bool, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()

	fireAt := now
	if l.nextGeneral.After(fireAt) {
		fireAt = l.nextGeneral
	}
	if historical && l.nextHistorical.After(fireAt) {
		fireAt = l.nextHistorical
	}
	if key != "" && l.cfg.IdenticalKeyInterval > 0 {
		if last, ok := l.lastByKey[key]; ok {
			if next := last.Add(l.cfg.IdenticalKeyInterval); next.After(fireAt) {
				fireAt = next
			}
		}
	}

	// Reserve the slot before sleeping so concurrent callers line up behind it
	l.nextGeneral = fireAt.Add(l.cfg.GeneralInterval)
	if historical {
		l.nextHistorical = fireAt.Add(l.cfg.HistoricalInterval)
	}
	if key != "" {
		l.lastByKey[key] = fireAt
		l.pruneLocked(now)
	}

	wait := fireAt.Sub(now)
	l.requests++
	if wait > 0 {
		l.waits++
		l.totalWaited += wait
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	l.log.Debug().
		Dur("wait_ms", wait).
		Bool("historical", historical).
		Str("key", key).
		Msg("Pacing outbound request")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns a snapshot of limiter activity
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Requests:    l.requests,
		Waits:       l.waits,
		TotalWaited: l.totalWaited,
		TrackedKeys: len(l.lastByKey),
	}
}

// pruneLocked drops key reservations that no longer constrain anything.
// Caller must hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	if len(l.lastByKey) < 512 {
		return
	}
	for k, fired := range l.lastByKey {
		if now.Sub(fired) > l.cfg.IdenticalKeyInterval {
			delete(l.lastByKey, k)
		}
	}
}
