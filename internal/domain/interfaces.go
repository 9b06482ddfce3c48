package domain

import (
	"context"
	"time"
)

// RequestPacer throttles outbound gateway calls so the service never trips
// the broker's pacing limits. Implementations must be safe for concurrent use.
type RequestPacer interface {
	// WaitIfNeeded blocks until the next request is allowed to go out.
	// historical marks historical-data requests (stricter spacing); key is the
	// request dedupe key so identical lookups get extra spacing.
	// Returns the context error if ctx ends while waiting.
	WaitIfNeeded(ctx context.Context, historical bool, key string) error
}

// BrokerConn is a single live session against the brokerage gateway
type BrokerConn interface {
	// ContractDetails resolves a candidate descriptor to zero or more contracts.
	// An empty, error-free result means the gateway knows no such instrument.
	ContractDetails(ctx context.Context, desc ContractDescriptor) ([]ContractInfo, error)

	// HeadTimestamp returns the earliest available history for one bar source
	// (TRADES, BID, ASK, MIDPOINT). A zero time with nil error means the
	// gateway answered but has no data for this source.
	HeadTimestamp(ctx context.Context, desc ContractDescriptor, whatToShow string) (time.Time, error)

	// IsConnected reports whether the session is still usable
	IsConnected() bool

	Close() error
}

// BrokerPool hands out pooled gateway sessions.
// Execute runs fn with a healthy connection and returns it to the pool after;
// broken connections are discarded and redialed instead of being returned.
type BrokerPool interface {
	Execute(ctx context.Context, fn func(BrokerConn) error) error
	Close() error
}
