// Package validator orchestrates symbol validation: normalization,
// classification, candidate lookups through the paced gateway, and the
// never-downgrade contract cache.
//
// The central asymmetry lives here: a new symbol can fail validation, but a
// symbol that has validated once can never be demoted by this layer. Failed
// revalidations are swallowed with a warning and the cached entry keeps
// serving.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/aristath/gatekeeper/internal/symbols"
	"github.com/rs/zerolog"
)

// contractLookup resolves one candidate descriptor, reporting the gateway
// attempts consumed
type contractLookup interface {
	Lookup(ctx context.Context, candidate domain.ContractDescriptor) (*domain.ContractInfo, int, error)
}

// headTimestampFetcher fetches earliest-history timestamps for a cached
// contract
type headTimestampFetcher interface {
	Fetch(ctx context.Context, info *domain.ContractInfo, timeframe string, forceRefresh bool) (string, error)
}

// auditLog records validation outcomes. Best effort: a failing audit sink
// never fails a validation.
type auditLog interface {
	RecordOutcome(ctx context.Context, symbol, outcome string, attempts int, duration time.Duration, errMsg string) error
}

// Service is the validation orchestrator
type Service struct {
	store   *contracts.Store
	lookup  contractLookup
	heads   headTimestampFetcher
	audit   auditLog
	metrics *metrics
	locks   *keyedMutex
	log     zerolog.Logger
	now     func() time.Time
}

// New creates the orchestrator. audit may be nil.
func New(store *contracts.Store, lookup contractLookup, heads headTimestampFetcher, audit auditLog, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		lookup:  lookup,
		heads:   heads,
		audit:   audit,
		metrics: newMetrics(),
		locks:   newKeyedMutex(),
		log:     log.With().Str("component", "validator").Logger(),
		now:     time.Now,
	}
}

// ValidateSymbol reports whether a symbol resolves to a tradable contract
func (s *Service) ValidateSymbol(ctx context.Context, raw string) bool {
	result, err := s.ValidateSymbolWithMetadata(ctx, raw, nil)
	if err != nil || result == nil {
		return false
	}
	return result.Valid
}

// ValidateSymbolWithMetadata validates a symbol and optionally fetches head
// timestamps for the requested timeframes. The error return carries only
// infrastructure failures (cancellation); "symbol not found" is a structured
// invalid result, never an error.
func (s *Service) ValidateSymbolWithMetadata(ctx context.Context, raw string, timeframes []string) (*domain.ValidationResult, error) {
	start := s.now()
	s.metrics.incRequested()

	symbol := symbols.Normalize(raw)
	if symbol == "" {
		return &domain.ValidationResult{Symbol: symbol, Error: "empty symbol"}, nil
	}

	// Concurrent validations of the same symbol serialize here so the
	// classify-lookup-store sequence stays a single unit
	unlock := s.locks.Lock(symbol)
	defer unlock()

	result, err := s.validateLocked(ctx, symbol, start)
	if err != nil {
		return nil, err
	}

	if result.Valid && len(timeframes) > 0 {
		result.HeadTimestamps = s.fetchTimeframes(ctx, result.Info, timeframes)
	}
	result.Duration = s.now().Sub(start)
	return result, nil
}

func (s *Service) validateLocked(ctx context.Context, symbol string, start time.Time) (*domain.ValidationResult, error) {
	cached := s.store.Get(symbol)
	validated := s.store.IsValidated(symbol)

	if cached != nil && validated {
		if !s.store.IsExpired(symbol) {
			s.metrics.incCacheHit()
			s.log.Debug().Str("symbol", symbol).Msg("Validation served from cache")
			return &domain.ValidationResult{Symbol: symbol, Valid: true, Info: cached, FromCache: true}, nil
		}
		return s.revalidate(ctx, symbol, cached, start)
	}

	if validated {
		// Validated symbol with no usable entry, e.g. after a corrupt cache
		// file was reset. Rebuild the entry with a fresh lookup; a failure
		// leaves the validated set untouched.
		result, err := s.freshValidation(ctx, symbol, start)
		if err != nil || result.Valid {
			return result, err
		}
		s.log.Warn().
			Str("symbol", symbol).
			Str("error", result.Error).
			Msg("Could not rebuild entry for previously validated symbol, keeping validated status")
		return result, nil
	}

	return s.freshValidation(ctx, symbol, start)
}

// revalidate refreshes an expired entry. A soft failure keeps serving the
// stale entry: stale-but-validated beats nothing, and no failure here can
// mark the symbol invalid.
func (s *Service) revalidate(ctx context.Context, symbol string, stale *domain.ContractInfo, start time.Time) (*domain.ValidationResult, error) {
	info, attempts, err := s.tryCandidates(ctx, symbol)
	if err == nil {
		s.store.Put(info)
		s.metrics.recordValidation(s.now().Sub(start), attempts, true)
		s.recordAudit(ctx, symbol, "revalidated", attempts, s.now().Sub(start), "")
		s.log.Info().Str("symbol", symbol).Msg("Expired entry revalidated")
		return &domain.ValidationResult{Symbol: symbol, Valid: true, Info: s.store.Get(symbol), Attempts: attempts}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.metrics.incStale()
	s.recordAudit(ctx, symbol, "stale_served", attempts, s.now().Sub(start), err.Error())
	s.log.Warn().
		Err(err).
		Str("symbol", symbol).
		Msg("Revalidation failed, serving stale validated entry")
	return &domain.ValidationResult{
		Symbol:    symbol,
		Valid:     true,
		Info:      stale,
		FromCache: true,
		Stale:     true,
		Attempts:  attempts,
	}, nil
}

// freshValidation runs the full candidate sweep for a symbol with no
// trusted entry
func (s *Service) freshValidation(ctx context.Context, symbol string, start time.Time) (*domain.ValidationResult, error) {
	info, attempts, err := s.tryCandidates(ctx, symbol)
	if err == nil {
		s.store.Put(info)
		s.metrics.recordValidation(s.now().Sub(start), attempts, true)
		s.recordAudit(ctx, symbol, "validated", attempts, s.now().Sub(start), "")
		s.log.Info().
			Str("symbol", symbol).
			Str("asset_type", string(info.Descriptor.SecurityType)).
			Int("attempts", attempts).
			Msg("Symbol validated")
		return &domain.ValidationResult{Symbol: symbol, Valid: true, Info: s.store.Get(symbol), Attempts: attempts}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.metrics.recordValidation(s.now().Sub(start), attempts, false)
	s.recordAudit(ctx, symbol, "invalid", attempts, s.now().Sub(start), err.Error())

	result := &domain.ValidationResult{Symbol: symbol, Error: err.Error(), Attempts: attempts}
	if suggestion := symbols.SuggestFormat(symbol); suggestion != symbol {
		result.Suggestion = suggestion
	}
	s.log.Info().
		Str("symbol", symbol).
		Str("suggestion", result.Suggestion).
		Int("attempts", attempts).
		Msg("Symbol failed validation")
	return result, nil
}

// tryCandidates walks the candidate contracts in priority order and stops
// at the first successful lookup. Returns total gateway attempts consumed
// across all candidates.
func (s *Service) tryCandidates(ctx context.Context, symbol string) (*domain.ContractInfo, int, error) {
	kind := symbols.Classify(symbol)
	candidates := symbols.Candidates(symbol, kind)

	totalAttempts := 0
	var lastErr error
	for _, candidate := range candidates {
		info, attempts, err := s.lookup.Lookup(ctx, candidate)
		totalAttempts += attempts
		if err == nil {
			info.Symbol = symbol
			return info, totalAttempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, totalAttempts, err
		}
		if !errors.Is(err, domain.ErrNoSecurityDefinition) {
			s.log.Warn().
				Err(err).
				Str("symbol", symbol).
				Str("candidate", candidate.Key()).
				Msg("Candidate lookup failed, trying next")
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrNoSecurityDefinition
	}
	return nil, totalAttempts, fmt.Errorf("no candidate resolved for %s: %w", symbol, lastErr)
}

// GetContractDetails returns the cached entry for a symbol, validating it
// first when unknown. The previously-validated branch never surfaces an
// error: past-TTL entries are refreshed opportunistically and soft failures
// fall back to the stale entry.
func (s *Service) GetContractDetails(ctx context.Context, raw string) (*domain.ContractInfo, error) {
	symbol := symbols.Normalize(raw)
	if symbol == "" {
		return nil, nil
	}

	if s.store.IsValidated(symbol) {
		if cached := s.store.Get(symbol); cached != nil && !s.store.IsExpired(symbol) {
			return cached, nil
		}
		result, err := s.ValidateSymbolWithMetadata(ctx, symbol, nil)
		if err != nil {
			return nil, err
		}
		if result.Info != nil {
			return result.Info, nil
		}
		// Validated but nothing cached to serve; membership is untouched
		return nil, nil
	}

	result, err := s.ValidateSymbolWithMetadata(ctx, symbol, nil)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, nil
	}
	return result.Info, nil
}

// FetchHeadTimestamp returns the earliest available history for a symbol
// and timeframe, validating the symbol first when needed. Empty string when
// the gateway has no history.
func (s *Service) FetchHeadTimestamp(ctx context.Context, raw, timeframe string, forceRefresh bool) (string, error) {
	symbol := symbols.Normalize(raw)
	info, err := s.GetContractDetails(ctx, symbol)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("symbol %s is not validated", symbol)
	}

	s.metrics.incHeadFetch()
	ts, err := s.heads.Fetch(ctx, info, timeframe, forceRefresh)
	if err != nil {
		if errors.Is(err, domain.ErrNoHeadTimestamp) {
			return "", nil
		}
		return "", err
	}
	return ts, nil
}

// ValidatedSymbols returns every symbol that has ever validated
func (s *Service) ValidatedSymbols() []string {
	return s.store.ValidatedSymbols()
}

// Metrics returns a snapshot of orchestrator counters and latencies
func (s *Service) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

// fetchTimeframes collects head timestamps for the requested timeframes,
// skipping ones the gateway has no history for
func (s *Service) fetchTimeframes(ctx context.Context, info *domain.ContractInfo, timeframes []string) map[string]string {
	out := make(map[string]string, len(timeframes))
	for _, tf := range timeframes {
		s.metrics.incHeadFetch()
		ts, err := s.heads.Fetch(ctx, info, tf, false)
		if err != nil {
			if !errors.Is(err, domain.ErrNoHeadTimestamp) {
				s.log.Warn().Err(err).Str("symbol", info.Symbol).Str("timeframe", tf).Msg("Head timestamp fetch failed")
			}
			continue
		}
		out[tf] = ts
	}
	return out
}

func (s *Service) recordAudit(ctx context.Context, symbol, outcome string, attempts int, duration time.Duration, errMsg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordOutcome(ctx, symbol, outcome, attempts, duration, errMsg); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record validation audit")
	}
}
