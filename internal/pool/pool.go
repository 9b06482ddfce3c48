// Package pool manages a fixed-size set of gateway connections shared by
// every concurrent caller in the process.
//
// Connections are dialed lazily and kept for reuse. A connection that stops
// reporting IsConnected is closed and replaced instead of being handed out
// again, so one broken session never poisons later calls.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by Execute after Close
var ErrPoolClosed = errors.New("connection pool closed")

// Factory dials one new gateway connection
type Factory func(ctx context.Context) (domain.BrokerConn, error)

// Stats reports pool activity counters
type Stats struct {
	Size      int    `json:"size"`
	Idle      int    `json:"idle"`
	Created   uint64 `json:"created"`
	Discarded uint64 `json:"discarded"`
	Executes  uint64 `json:"executes"`
}

// Pool implements domain.BrokerPool
type Pool struct {
	factory     Factory
	dialTimeout time.Duration
	permits     chan struct{}
	idle        chan domain.BrokerConn
	done        chan struct{}
	closeOnce   sync.Once
	log         zerolog.Logger

	created   uint64
	discarded uint64
	executes  uint64
}

// New creates a pool that holds at most size connections
func New(size int, dialTimeout time.Duration, factory Factory, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		factory:     factory,
		dialTimeout: dialTimeout,
		permits:     make(chan struct{}, size),
		idle:        make(chan domain.BrokerConn, size),
		done:        make(chan struct{}),
		log:         log.With().Str("component", "pool").Logger(),
	}
	for i := 0; i < size; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Execute runs fn with a pooled connection. The connection goes back to the
// pool afterwards unless it stopped reporting healthy, in which case it is
// closed and the slot freed for a fresh dial.
func (p *Pool) Execute(ctx context.Context, fn func(domain.BrokerConn) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	atomic.AddUint64(&p.executes, 1)

	// Deferred so a panicking fn still returns its permit and connection.
	defer p.release(conn)
	return fn(conn)
}

// Close shuts the pool and closes all idle connections. Connections checked
// out at the time of the call are closed when they are released.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		for {
			select {
			case conn := <-p.idle:
				if cerr := conn.Close(); cerr != nil {
					p.log.Warn().Err(cerr).Msg("Failed to close idle connection")
				}
			default:
				p.log.Debug().Msg("Connection pool closed")
				return
			}
		}
	})
	return nil
}

// Stats returns a snapshot of pool activity
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      cap(p.permits),
		Idle:      len(p.idle),
		Created:   atomic.LoadUint64(&p.created),
		Discarded: atomic.LoadUint64(&p.discarded),
		Executes:  atomic.LoadUint64(&p.executes),
	}
}

func (p *Pool) acquire(ctx context.Context) (domain.BrokerConn, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.permits:
	}

	// Prefer an idle connection, dropping any that went stale while parked
	for {
		select {
		case conn := <-p.idle:
			if conn.IsConnected() {
				return conn, nil
			}
			atomic.AddUint64(&p.discarded, 1)
			if cerr := conn.Close(); cerr != nil {
				p.log.Warn().Err(cerr).Msg("Failed to close stale connection")
			}
		default:
			return p.dial(ctx)
		}
	}
}

func (p *Pool) dial(ctx context.Context) (domain.BrokerConn, error) {
	dialCtx := ctx
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	conn, err := p.factory(dialCtx)
	if err != nil {
		p.permits <- struct{}{}
		return nil, fmt.Errorf("failed to open gateway connection: %w", err)
	}

	atomic.AddUint64(&p.created, 1)
	p.log.Debug().Uint64("total_created", atomic.LoadUint64(&p.created)).Msg("Opened gateway connection")
	return conn, nil
}

func (p *Pool) release(conn domain.BrokerConn) {
	defer func() { p.permits <- struct{}{} }()

	if p.isClosed() || !conn.IsConnected() {
		atomic.AddUint64(&p.discarded, 1)
		if cerr := conn.Close(); cerr != nil {
			p.log.Warn().Err(cerr).Msg("Failed to close connection on release")
		}
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Idle buffer full, should not happen with matched permit count
		_ = conn.Close()
	}
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
