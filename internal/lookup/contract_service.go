package lookup

import (
	"context"
	"fmt"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/rs/zerolog"
)

// ContractService resolves one candidate descriptor to full contract
// details through the shared pacer and connection pool.
type ContractService struct {
	pacer       domain.RequestPacer
	pool        domain.BrokerPool
	maxAttempts int
	sleep       sleepFunc
	log         zerolog.Logger
}

// NewContractService creates a contract lookup service with the default
// retry budget
func NewContractService(pacer domain.RequestPacer, pool domain.BrokerPool, log zerolog.Logger) *ContractService {
	return &ContractService{
		pacer:       pacer,
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
		log:         log.With().Str("component", "contract_lookup").Logger(),
	}
}

// SetMaxAttempts overrides the retry budget. Primarily used for testing.
func (s *ContractService) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// SetSleep overrides the backoff sleep. Primarily used for testing.
func (s *ContractService) SetSleep(fn sleepFunc) {
	if fn != nil {
		s.sleep = fn
	}
}

// Lookup resolves a candidate against the gateway. Every attempt waits for
// the pacer first, so concurrent lookups share one request budget.
//
// A zero-match answer is terminal and comes back as ErrNoSecurityDefinition
// without retrying: absence of a security definition is not a transient
// condition. Timeouts and transient errors are retried on the shared
// schedule; when the budget runs out the last error is returned wrapped
// with the attempt count. The returned Attempts counts gateway round trips
// consumed, including the failed ones.
func (s *ContractService) Lookup(ctx context.Context, candidate domain.ContractDescriptor) (*domain.ContractInfo, int, error) {
	key := candidate.Key()
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.pacer.WaitIfNeeded(ctx, false, key); err != nil {
			return nil, attempt - 1, fmt.Errorf("pacing wait aborted: %w", err)
		}

		var matches []domain.ContractInfo
		err := s.pool.Execute(ctx, func(conn domain.BrokerConn) error {
			var execErr error
			matches, execErr = conn.ContractDetails(ctx, candidate)
			return execErr
		})

		if err == nil {
			if len(matches) == 0 {
				s.log.Debug().
					Str("key", key).
					Int("attempt", attempt).
					Msg("Gateway knows no such contract")
				return nil, attempt, domain.ErrNoSecurityDefinition
			}
			if len(matches) > 1 {
				s.log.Warn().
					Str("key", key).
					Int("matches", len(matches)).
					Msg("Ambiguous contract lookup, taking first match")
			}
			info := matches[0]
			if info.TradingHours == nil {
				info.TradingHours = domain.DefaultTradingHours()
			}
			return &info, attempt, nil
		}

		lastErr = err
		decision := classifyFailure(err, attempt)
		if !decision.retry {
			if decision.reason == "no security definition" {
				return nil, attempt, domain.ErrNoSecurityDefinition
			}
			return nil, attempt, err
		}
		if attempt == s.maxAttempts {
			break
		}

		s.log.Warn().
			Err(err).
			Str("key", key).
			Str("reason", decision.reason).
			Int("attempt", attempt).
			Dur("retry_in", decision.delay).
			Msg("Contract lookup failed, retrying")

		if serr := s.sleep(ctx, decision.delay); serr != nil {
			return nil, attempt, fmt.Errorf("retry backoff aborted: %w", serr)
		}
	}

	return nil, s.maxAttempts, fmt.Errorf("contract lookup failed after %d attempts: %w", s.maxAttempts, lastErr)
}
