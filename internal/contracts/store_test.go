package contracts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.json")
	s := NewStore(path, ttl, zerolog.Nop())
	s.Load()
	return s, path
}

func eurInfo() *domain.ContractInfo {
	return &domain.ContractInfo{
		Symbol: "EUR.USD",
		Descriptor: domain.ContractDescriptor{
			Symbol:       "EUR",
			SecurityType: domain.SecurityTypeCash,
			Exchange:     "IDEALPRO",
			Currency:     "USD",
		},
		Description:  "European Monetary Union Euro",
		TradingHours: domain.DefaultTradingHours(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s, path := newStore(t, time.Hour)

	s.Put(eurInfo())
	assert.True(t, s.IsValidated("EUR.USD"))
	assert.Equal(t, 1, s.Len())

	got := s.Get("EUR.USD")
	require.NotNil(t, got)
	assert.Equal(t, "European Monetary Union Euro", got.Description)
	assert.False(t, got.ValidatedAt.IsZero())

	// Reads return copies: mutating the result must not touch the store
	got.Description = "mutated"
	assert.Equal(t, "European Monetary Union Euro", s.Get("EUR.USD").Description)

	// A second store loads the same state back from disk
	s2 := NewStore(path, time.Hour, zerolog.Nop())
	s2.Load()
	assert.Equal(t, []string{"EUR.USD"}, s2.Symbols())
	assert.Equal(t, []string{"EUR.USD"}, s2.ValidatedSymbols())
	loaded := s2.Get("EUR.USD")
	require.NotNil(t, loaded)
	assert.Equal(t, domain.SecurityTypeCash, loaded.Descriptor.SecurityType)
	assert.Equal(t, "IDEALPRO", loaded.Descriptor.Exchange)
}

func TestSaveLoadIdempotent(t *testing.T) {
	s, path := newStore(t, time.Hour)
	info := eurInfo()
	info.HeadTimestamps = map[string]string{"1 day": "2005-03-01T08:00:00Z", "default": "2005-03-01T08:00:00Z"}
	s.Put(info)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	s2 := NewStore(path, time.Hour, zerolog.Nop())
	s2.Load()
	s2.Save()

	second, err := os.ReadFile(path)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a["cache"], b["cache"])
	assert.Equal(t, a["validated_symbols"], b["validated_symbols"])
}

func TestOnDiskSchema(t *testing.T) {
	s, path := newStore(t, time.Hour)
	info := eurInfo()
	info.HeadTimestamps = map[string]string{"1 day": "2005-03-01T08:00:00Z", "default": "2005-03-01T08:00:00Z"}
	s.Put(info)
	s.UpdateHeadTimestamps("EUR.USD", "1 hour", "2008-01-02T00:00:00Z")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var pf struct {
		Cache map[string]struct {
			Symbol                  string            `json:"symbol"`
			AssetType               string            `json:"asset_type"`
			Exchange                string            `json:"exchange"`
			Currency                string            `json:"currency"`
			ValidatedAt             float64           `json:"validated_at"`
			HeadTimestamp           *string           `json:"head_timestamp"`
			HeadTimestampTimeframes map[string]string `json:"head_timestamp_timeframes"`
			HeadTimestampFetchedAt  *float64          `json:"head_timestamp_fetched_at"`
		} `json:"cache"`
		ValidatedSymbols []string `json:"validated_symbols"`
		LastUpdated      float64  `json:"last_updated"`
	}
	require.NoError(t, json.Unmarshal(raw, &pf))

	entry, ok := pf.Cache["EUR.USD"]
	require.True(t, ok)
	assert.Equal(t, "CASH", entry.AssetType)
	assert.Equal(t, "IDEALPRO", entry.Exchange)
	assert.Equal(t, "USD", entry.Currency)
	assert.Positive(t, entry.ValidatedAt)
	require.NotNil(t, entry.HeadTimestamp)
	assert.Equal(t, "2005-03-01T08:00:00Z", *entry.HeadTimestamp)
	assert.Equal(t, "2008-01-02T00:00:00Z", entry.HeadTimestampTimeframes["1 hour"])
	require.NotNil(t, entry.HeadTimestampFetchedAt)
	assert.Equal(t, []string{"EUR.USD"}, pf.ValidatedSymbols)
	assert.Positive(t, pf.LastUpdated)
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope", "cache.json"), time.Hour, zerolog.Nop())
	s.Load()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.ValidatedSymbols())
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(path, time.Hour, zerolog.Nop())
	s.Load()
	assert.Zero(t, s.Len())
}

func TestLoadTreatsLegacyCacheAsValidated(t *testing.T) {
	// Files written before validated-symbol tracking: entries, no set
	path := filepath.Join(t.TempDir(), "cache.json")
	legacy := `{
		"cache": {
			"AAPL": {"symbol": "AAPL", "asset_type": "STK", "exchange": "SMART",
				"currency": "USD", "description": "Apple Inc", "validated_at": 1699999999.5}
		},
		"validated_symbols": [],
		"last_updated": 1699999999.5
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := NewStore(path, 0, zerolog.Nop())
	s.Load()
	assert.True(t, s.IsValidated("AAPL"))
	require.NotNil(t, s.Get("AAPL"))
}

func TestLoadSkipsExpiredUnvalidatedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	old := float64(time.Now().Add(-48 * time.Hour).Unix())
	fresh := float64(time.Now().Unix())
	file := `{
		"cache": {
			"OLD": {"symbol": "OLD", "asset_type": "STK", "exchange": "SMART",
				"currency": "USD", "validated_at": ` + jsonFloat(old) + `},
			"KEPT": {"symbol": "KEPT", "asset_type": "STK", "exchange": "SMART",
				"currency": "USD", "validated_at": ` + jsonFloat(old) + `},
			"FRESH": {"symbol": "FRESH", "asset_type": "STK", "exchange": "SMART",
				"currency": "USD", "validated_at": ` + jsonFloat(fresh) + `}
		},
		"validated_symbols": ["KEPT", "FRESH"],
		"last_updated": ` + jsonFloat(fresh) + `
	}`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o644))

	s := NewStore(path, 24*time.Hour, zerolog.Nop())
	s.Load()

	// OLD is expired and unvalidated: dropped. KEPT is just as old but
	// validated: it survives the TTL.
	assert.Nil(t, s.Get("OLD"))
	assert.NotNil(t, s.Get("KEPT"))
	assert.NotNil(t, s.Get("FRESH"))
}

func TestLoadSkipsEntriesWithUnusableDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	file := `{
		"cache": {
			"GOOD": {"symbol": "GOOD", "asset_type": "STK", "exchange": "SMART",
				"currency": "USD", "validated_at": 1699999999.5},
			"BAD": {"symbol": "BAD", "asset_type": "WHAT", "exchange": "",
				"currency": "", "validated_at": 1699999999.5}
		},
		"validated_symbols": ["GOOD", "BAD"],
		"last_updated": 1699999999.5
	}`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o644))

	s := NewStore(path, 0, zerolog.Nop())
	s.Load()

	assert.NotNil(t, s.Get("GOOD"))
	assert.Nil(t, s.Get("BAD"))
	// The unusable entry is skipped but its validated membership survives
	assert.True(t, s.IsValidated("BAD"))
}

func TestIsExpired(t *testing.T) {
	s, _ := newStore(t, time.Nanosecond)
	s.Put(eurInfo())
	assert.True(t, s.IsExpired("EUR.USD"))

	s2, _ := newStore(t, time.Hour)
	s2.Put(eurInfo())
	assert.False(t, s2.IsExpired("EUR.USD"))
	assert.False(t, s2.IsExpired("ABSENT"))

	// TTL 0 disables expiry
	s3, _ := newStore(t, 0)
	s3.Put(eurInfo())
	assert.False(t, s3.IsExpired("EUR.USD"))
}

func TestPutCarriesHeadTimestampsForward(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	s.Put(eurInfo())
	require.True(t, s.UpdateHeadTimestamps("EUR.USD", "1 day", "2005-03-01T08:00:00Z"))

	// Revalidation stores a fresh entry without head timestamps
	s.Put(eurInfo())

	got := s.Get("EUR.USD")
	require.NotNil(t, got)
	assert.Equal(t, "2005-03-01T08:00:00Z", got.HeadTimestamps["1 day"])
	assert.Equal(t, "2005-03-01T08:00:00Z", got.HeadTimestamps["default"])
}

func TestUpdateHeadTimestampsSetsDefault(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	s.Put(eurInfo())

	require.True(t, s.UpdateHeadTimestamps("EUR.USD", "1 day", "2005-03-01T08:00:00Z"))
	got := s.Get("EUR.USD")
	assert.Equal(t, "2005-03-01T08:00:00Z", got.HeadTimestamps["default"])
	assert.False(t, got.HeadTimestampsFetchedAt.IsZero())

	// "default" mirrors the first write only
	require.True(t, s.UpdateHeadTimestamps("EUR.USD", "1 hour", "2008-01-02T00:00:00Z"))
	got = s.Get("EUR.USD")
	assert.Equal(t, "2005-03-01T08:00:00Z", got.HeadTimestamps["default"])
	assert.Equal(t, "2008-01-02T00:00:00Z", got.HeadTimestamps["1 hour"])

	assert.False(t, s.UpdateHeadTimestamps("ABSENT", "1 day", "x"))
}

func TestClearKeepsValidatedByDefault(t *testing.T) {
	s, _ := newStore(t, time.Hour)
	s.Put(eurInfo())

	s.Clear(true)
	assert.Zero(t, s.Len())
	assert.True(t, s.IsValidated("EUR.USD"))

	s.Put(eurInfo())
	s.Clear(false)
	assert.Zero(t, s.Len())
	assert.False(t, s.IsValidated("EUR.USD"))
}

func TestMarkValidatedIsAppendOnly(t *testing.T) {
	s, path := newStore(t, time.Hour)
	s.MarkValidated("EUR.USD")
	assert.True(t, s.IsValidated("EUR.USD"))

	// Persisted immediately so it survives a crash before the next Put
	s2 := NewStore(path, time.Hour, zerolog.Nop())
	s2.Load()
	assert.True(t, s2.IsValidated("EUR.USD"))
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
