package lookup

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/rs/zerolog"
)

// headTimestampRefreshAge is how long a fetched head timestamp stays fresh.
// Earliest-history boundaries move slowly, so a daily refresh is plenty.
const headTimestampRefreshAge = 24 * time.Hour

// Bar sources tried per asset type. The gateway has no trade tape for
// forex, so cash contracts sweep the quote-based sources instead.
var (
	cashVariants  = []string{"BID", "ASK", "MIDPOINT"}
	tradeVariants = []string{"TRADES"}
)

// headTimestampStore is the slice of the contract cache this service
// writes through to
type headTimestampStore interface {
	UpdateHeadTimestamps(symbol, timeframe, timestamp string) bool
}

// HeadTimestampService fetches the earliest available history for cached
// contracts, sweeping bar-source variants in order and writing results
// through to the store.
type HeadTimestampService struct {
	pacer       domain.RequestPacer
	pool        domain.BrokerPool
	store       headTimestampStore
	maxAttempts int
	sleep       sleepFunc
	log         zerolog.Logger
	now         func() time.Time
}

// NewHeadTimestampService creates a head timestamp service with the
// default retry budget
func NewHeadTimestampService(pacer domain.RequestPacer, pool domain.BrokerPool, store headTimestampStore, log zerolog.Logger) *HeadTimestampService {
	return &HeadTimestampService{
		pacer:       pacer,
		pool:        pool,
		store:       store,
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
		log:         log.With().Str("component", "head_timestamp").Logger(),
		now:         time.Now,
	}
}

// SetMaxAttempts overrides the retry budget. Primarily used for testing.
func (s *HeadTimestampService) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// SetSleep overrides the backoff sleep. Primarily used for testing.
func (s *HeadTimestampService) SetSleep(fn sleepFunc) {
	if fn != nil {
		s.sleep = fn
	}
}

// Fetch returns the earliest available history for one timeframe as an
// RFC3339 UTC string, or "" with ErrNoHeadTimestamp when the gateway has
// none for any variant.
//
// A fetch younger than 24h answers from the cached entry unless
// forceRefresh is set; the timeframe-specific value wins over "default".
// One retry attempt is a full sweep over the variant plan: a sweep where
// every variant answered empty without error is terminal, a sweep that
// errored is retried on the shared backoff schedule.
func (s *HeadTimestampService) Fetch(ctx context.Context, info *domain.ContractInfo, timeframe string, forceRefresh bool) (string, error) {
	if info == nil {
		return "", fmt.Errorf("no contract info for head timestamp fetch")
	}
	if timeframe == "" {
		timeframe = "default"
	}

	if !forceRefresh && !info.HeadTimestampsFetchedAt.IsZero() &&
		s.now().Sub(info.HeadTimestampsFetchedAt) < headTimestampRefreshAge {
		if cached := info.HeadTimestamp(timeframe); cached != "" {
			s.log.Debug().
				Str("symbol", info.Symbol).
				Str("timeframe", timeframe).
				Msg("Head timestamp served from cache")
			return cached, nil
		}
	}

	variants := tradeVariants
	if info.Descriptor.SecurityType == domain.SecurityTypeCash {
		variants = cashVariants
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ts, err := s.sweep(ctx, info.Descriptor, variants)
		if err == nil {
			if ts.IsZero() {
				// Every variant answered empty: the gateway has no history
				// for this contract and retrying cannot produce any
				return "", domain.ErrNoHeadTimestamp
			}
			value := ts.UTC().Format(time.RFC3339)
			if s.store != nil {
				s.store.UpdateHeadTimestamps(info.Symbol, timeframe, value)
			}
			s.log.Info().
				Str("symbol", info.Symbol).
				Str("timeframe", timeframe).
				Str("head_timestamp", value).
				Msg("Head timestamp fetched")
			return value, nil
		}

		lastErr = err
		decision := classifyFailure(err, attempt)
		if !decision.retry {
			return "", err
		}
		if attempt == s.maxAttempts {
			break
		}

		s.log.Warn().
			Err(err).
			Str("symbol", info.Symbol).
			Str("reason", decision.reason).
			Int("attempt", attempt).
			Dur("retry_in", decision.delay).
			Msg("Head timestamp sweep failed, retrying")

		if serr := s.sleep(ctx, decision.delay); serr != nil {
			return "", fmt.Errorf("retry backoff aborted: %w", serr)
		}
	}

	return "", fmt.Errorf("head timestamp fetch failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// sweep tries each bar source in order and returns the first non-empty
// timestamp. A zero time with nil error means every variant answered
// empty. Each variant call is individually paced as a historical request.
func (s *HeadTimestampService) sweep(ctx context.Context, desc domain.ContractDescriptor, variants []string) (time.Time, error) {
	key := desc.Key()
	for _, variant := range variants {
		if err := s.pacer.WaitIfNeeded(ctx, true, key+"|"+variant); err != nil {
			return time.Time{}, fmt.Errorf("pacing wait aborted: %w", err)
		}

		var ts time.Time
		err := s.pool.Execute(ctx, func(conn domain.BrokerConn) error {
			var execErr error
			ts, execErr = conn.HeadTimestamp(ctx, desc, variant)
			return execErr
		})
		if err != nil {
			return time.Time{}, fmt.Errorf("%s head timestamp: %w", variant, err)
		}
		if !ts.IsZero() {
			return ts, nil
		}
		s.log.Debug().
			Str("key", key).
			Str("variant", variant).
			Msg("No history for bar source, trying next")
	}
	return time.Time{}, nil
}
