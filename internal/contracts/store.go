// Package contracts owns the durable cache of validated instruments.
//
// The store guards two pieces of state behind one mutex: the entry map
// (canonical symbol -> resolved contract) and the validated-symbol set. The
// set is append-only for the life of the process: once a symbol validates,
// no later failure removes it. Disk writes go through a temp file and an
// atomic rename so a crash mid-write never corrupts the previous cache.
package contracts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/aristath/gatekeeper/internal/symbols"
	"github.com/rs/zerolog"
)

// Store is the mutex-guarded persistent symbol cache
type Store struct {
	mu        sync.Mutex
	path      string
	ttl       time.Duration // 0 = entries never expire
	entries   map[string]*domain.ContractInfo
	validated map[string]struct{}
	log       zerolog.Logger
	now       func() time.Time
}

// NewStore creates a store persisting to path. Entries older than ttl are
// treated as expired; ttl 0 disables expiry. Call Load before first use.
func NewStore(path string, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{
		path:      path,
		ttl:       ttl,
		entries:   make(map[string]*domain.ContractInfo),
		validated: make(map[string]struct{}),
		log:       log.With().Str("component", "contract_cache").Logger(),
		now:       time.Now,
	}
}

// persistedFile is the on-disk cache layout
type persistedFile struct {
	Cache            map[string]persistedEntry `json:"cache"`
	ValidatedSymbols []string                  `json:"validated_symbols"`
	LastUpdated      float64                   `json:"last_updated"`
}

// persistedEntry is one cached instrument on disk. Timestamps are float
// epoch seconds; nullable fields are pointers.
type persistedEntry struct {
	Symbol                  string               `json:"symbol"`
	AssetType               string               `json:"asset_type"`
	Exchange                string               `json:"exchange"`
	Currency                string               `json:"currency"`
	Description             string               `json:"description"`
	ValidatedAt             float64              `json:"validated_at"`
	TradingHours            *domain.TradingHours `json:"trading_hours"`
	HeadTimestamp           *string              `json:"head_timestamp"`
	HeadTimestampTimeframes map[string]string    `json:"head_timestamp_timeframes"`
	HeadTimestampFetchedAt  *float64             `json:"head_timestamp_fetched_at"`
}

// Load reads the cache file into memory. Never fails the caller: a missing
// file starts empty, a corrupt file logs and starts empty, and entries whose
// descriptor cannot be rebuilt are skipped individually. The validated set
// survives every partial failure.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug().Str("path", s.path).Msg("No symbol cache file yet")
		} else {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Failed to read symbol cache, starting empty")
		}
		return
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Symbol cache file corrupt, starting empty")
		return
	}

	validated := make(map[string]struct{}, len(pf.ValidatedSymbols))
	for _, sym := range pf.ValidatedSymbols {
		validated[sym] = struct{}{}
	}
	// Backward compatibility: files written before validated-symbol tracking
	// have entries but no set, and every cached symbol counts as validated
	if len(validated) == 0 && len(pf.Cache) > 0 {
		for sym := range pf.Cache {
			validated[sym] = struct{}{}
		}
		s.log.Info().
			Int("count", len(validated)).
			Msg("Cache predates validated symbol tracking, treating all cached symbols as validated")
	}

	now := s.now()
	entries := make(map[string]*domain.ContractInfo, len(pf.Cache))
	expired := 0
	skipped := 0
	for sym, pe := range pf.Cache {
		validatedAt := epochToTime(pe.ValidatedAt)
		_, isValidated := validated[sym]
		if s.ttl > 0 && now.Sub(validatedAt) > s.ttl && !isValidated {
			expired++
			continue
		}

		entrySymbol := pe.Symbol
		if entrySymbol == "" {
			entrySymbol = sym
		}
		desc, err := symbols.RebuildDescriptor(domain.SecurityType(pe.AssetType), entrySymbol, pe.Exchange, pe.Currency)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("Skipping cache entry with unusable descriptor")
			skipped++
			continue
		}

		info := &domain.ContractInfo{
			Symbol:      sym,
			Descriptor:  desc,
			Description: pe.Description,
			ValidatedAt: validatedAt,
		}
		if pe.TradingHours != nil {
			th := *pe.TradingHours
			th.Days = append([]string(nil), pe.TradingHours.Days...)
			info.TradingHours = &th
		}
		if len(pe.HeadTimestampTimeframes) > 0 {
			info.HeadTimestamps = make(map[string]string, len(pe.HeadTimestampTimeframes)+1)
			for tf, ts := range pe.HeadTimestampTimeframes {
				info.HeadTimestamps[tf] = ts
			}
		}
		if pe.HeadTimestamp != nil && *pe.HeadTimestamp != "" {
			if info.HeadTimestamps == nil {
				info.HeadTimestamps = make(map[string]string, 1)
			}
			if _, ok := info.HeadTimestamps["default"]; !ok {
				info.HeadTimestamps["default"] = *pe.HeadTimestamp
			}
		}
		if pe.HeadTimestampFetchedAt != nil {
			info.HeadTimestampsFetchedAt = epochToTime(*pe.HeadTimestampFetchedAt)
		}

		entries[sym] = info
	}

	s.entries = entries
	s.validated = validated
	s.log.Info().
		Int("entries", len(entries)).
		Int("validated", len(validated)).
		Int("expired", expired).
		Int("skipped", skipped).
		Msg("Symbol cache loaded")
}

// Save persists the current state. Failures are logged, never returned: a
// failed save must not fail the validation that triggered it.
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

// Get returns a copy of the cached entry, or nil when absent
func (s *Store) Get(symbol string) *domain.ContractInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[symbol].Clone()
}

// IsExpired reports whether the entry exists and is past its TTL
func (s *Store) IsExpired(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.entries[symbol]
	if !ok || s.ttl == 0 {
		return false
	}
	return s.now().Sub(info.ValidatedAt) > s.ttl
}

// Put records a fresh successful validation: the entry replaces any previous
// one, the symbol joins the validated set for good, and the cache is written
// through. Head timestamps already cached for the symbol are carried over
// when the new entry does not bring its own.
func (s *Store) Put(info *domain.ContractInfo) {
	if info == nil || info.Symbol == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := info.Clone()
	stored.ValidatedAt = s.now()
	if prev, ok := s.entries[stored.Symbol]; ok && stored.HeadTimestamps == nil {
		stored.HeadTimestamps = prev.HeadTimestamps
		stored.HeadTimestampsFetchedAt = prev.HeadTimestampsFetchedAt
	}

	s.entries[stored.Symbol] = stored
	s.validated[stored.Symbol] = struct{}{}
	s.saveLocked()
}

// MarkValidated adds a symbol to the validated set without touching entries
func (s *Store) MarkValidated(symbol string) {
	if symbol == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.validated[symbol]; ok {
		return
	}
	s.validated[symbol] = struct{}{}
	s.saveLocked()
}

// IsValidated reports whether the symbol has ever validated successfully
func (s *Store) IsValidated(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validated[symbol]
	return ok
}

// UpdateHeadTimestamps stores a fetched head timestamp under the requested
// timeframe, mirrors it to "default" when that key is absent, stamps the
// fetch time and writes through. Returns false when the symbol is not cached.
func (s *Store) UpdateHeadTimestamps(symbol, timeframe, timestamp string) bool {
	if timeframe == "" {
		timeframe = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.entries[symbol]
	if !ok {
		return false
	}

	if info.HeadTimestamps == nil {
		info.HeadTimestamps = make(map[string]string, 2)
	}
	info.HeadTimestamps[timeframe] = timestamp
	if _, ok := info.HeadTimestamps["default"]; !ok {
		info.HeadTimestamps["default"] = timestamp
	}
	info.HeadTimestampsFetchedAt = s.now()
	s.saveLocked()
	return true
}

// Symbols returns the cached symbols in sorted order
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for sym := range s.entries {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// ValidatedSymbols returns the validated set in sorted order
func (s *Store) ValidatedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.validated))
	for sym := range s.validated {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops all cached entries. The validated set survives unless
// keepValidated is false. Operator action only; nothing in the validation
// flow ever clears the cache.
func (s *Store) Clear(keepValidated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*domain.ContractInfo)
	if !keepValidated {
		s.validated = make(map[string]struct{})
	}
	s.saveLocked()
	s.log.Info().Bool("kept_validated", keepValidated).Msg("Symbol cache cleared")
}

// saveLocked serializes state and renames it over the cache file.
// Caller must hold s.mu.
func (s *Store) saveLocked() {
	pf := persistedFile{
		Cache:            make(map[string]persistedEntry, len(s.entries)),
		ValidatedSymbols: make([]string, 0, len(s.validated)),
		LastUpdated:      timeToEpoch(s.now()),
	}
	for sym := range s.validated {
		pf.ValidatedSymbols = append(pf.ValidatedSymbols, sym)
	}
	sort.Strings(pf.ValidatedSymbols)
	for sym, info := range s.entries {
		pf.Cache[sym] = toPersisted(info)
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to serialize symbol cache")
		// Name the entry that breaks serialization for the log
		for sym, pe := range pf.Cache {
			if _, perr := json.Marshal(pe); perr != nil {
				s.log.Error().Err(perr).Str("symbol", sym).Msg("Cache entry does not serialize")
			}
		}
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error().Err(err).Str("dir", dir).Msg("Failed to create cache directory")
		return
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create temp cache file")
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		s.log.Error().Err(err).Msg("Failed to write temp cache file")
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error().Err(err).Msg("Failed to close temp cache file")
		return
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		s.log.Error().Err(err).Str("path", s.path).Msg("Failed to replace cache file")
		return
	}

	s.log.Debug().
		Int("entries", len(s.entries)).
		Int("validated", len(s.validated)).
		Msg("Symbol cache saved")
}

func toPersisted(info *domain.ContractInfo) persistedEntry {
	pe := persistedEntry{
		Symbol:      info.Symbol,
		AssetType:   string(info.Descriptor.SecurityType),
		Exchange:    info.Descriptor.Exchange,
		Currency:    info.Descriptor.Currency,
		Description: info.Description,
		ValidatedAt: timeToEpoch(info.ValidatedAt),
	}
	if info.TradingHours != nil {
		th := *info.TradingHours
		pe.TradingHours = &th
	}
	if len(info.HeadTimestamps) > 0 {
		pe.HeadTimestampTimeframes = info.HeadTimestamps
		if def, ok := info.HeadTimestamps["default"]; ok {
			pe.HeadTimestamp = &def
		}
	}
	if !info.HeadTimestampsFetchedAt.IsZero() {
		at := timeToEpoch(info.HeadTimestampsFetchedAt)
		pe.HeadTimestampFetchedAt = &at
	}
	return pe
}

func epochToTime(epoch float64) time.Time {
	if epoch == 0 {
		return time.Time{}
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func timeToEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
