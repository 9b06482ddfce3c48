// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"time"
)

// SecurityType identifies the broker contract class for an instrument
type SecurityType string

const (
	// SecurityTypeCash represents a forex pair traded on an ECN (IDEALPRO)
	SecurityTypeCash SecurityType = "CASH"
	// SecurityTypeStock represents an exchange-listed stock or ETF
	SecurityTypeStock SecurityType = "STK"
	// SecurityTypeFuture represents a futures contract
	SecurityTypeFuture SecurityType = "FUT"
)

// InstrumentKind is the coarse classification used to shape candidate contracts
type InstrumentKind string

const (
	KindForex InstrumentKind = "forex"
	KindStock InstrumentKind = "stock"
)

// ContractDescriptor identifies one candidate contract to look up at the gateway.
// It is rebuildable from the persisted cache fields (type, symbol, exchange,
// currency), so cache entries survive restarts without re-querying the gateway.
type ContractDescriptor struct {
	Symbol       string       `json:"symbol"`        // Local symbol ("EUR" for EUR.USD cash, "AAPL" for stock)
	SecurityType SecurityType `json:"security_type"` // CASH, STK or FUT
	Exchange     string       `json:"exchange"`      // Routing exchange (IDEALPRO, SMART, CME)
	Currency     string       `json:"currency"`      // Quote currency
}

// Key returns the dedupe key used for pacing
func (d ContractDescriptor) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", d.Symbol, d.SecurityType, d.Exchange, d.Currency)
}

// ContractInfo is the durable record of a resolved instrument.
// The gateway lookup fills Descriptor, Description and TradingHours; the cache
// stamps ValidatedAt on store and attaches head timestamps as they are fetched.
type ContractInfo struct {
	Symbol                  string             `json:"symbol"` // Canonical symbol, the cache key ("EUR.USD", "USDJPY")
	Descriptor              ContractDescriptor `json:"descriptor"`
	Description             string             `json:"description,omitempty"` // Long instrument name when the gateway provides one
	ValidatedAt             time.Time          `json:"validated_at"`
	TradingHours            *TradingHours      `json:"trading_hours,omitempty"`
	HeadTimestamps          map[string]string  `json:"head_timestamps,omitempty"` // Timeframe -> earliest bar (RFC3339), plus "default"
	HeadTimestampsFetchedAt time.Time          `json:"head_timestamps_fetched_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate results without touching the cache
func (c *ContractInfo) Clone() *ContractInfo {
	if c == nil {
		return nil
	}
	out := *c
	if c.TradingHours != nil {
		th := *c.TradingHours
		th.Days = append([]string(nil), c.TradingHours.Days...)
		out.TradingHours = &th
	}
	if c.HeadTimestamps != nil {
		out.HeadTimestamps = make(map[string]string, len(c.HeadTimestamps))
		for k, v := range c.HeadTimestamps {
			out.HeadTimestamps[k] = v
		}
	}
	return &out
}

// HeadTimestamp returns the cached head timestamp for a timeframe, falling
// back to the synthetic "default" entry. Empty string when neither exists.
func (c *ContractInfo) HeadTimestamp(timeframe string) string {
	if c == nil || len(c.HeadTimestamps) == 0 {
		return ""
	}
	if ts, ok := c.HeadTimestamps[timeframe]; ok {
		return ts
	}
	return c.HeadTimestamps["default"]
}

// TradingHours describes a contract's regular trading window
type TradingHours struct {
	Timezone string   `json:"timezone"`
	Open     string   `json:"open"`  // "09:30"
	Close    string   `json:"close"` // "16:00"
	Days     []string `json:"days"`  // Trading days, e.g. ["Mon", ..., "Fri"]
}

// DefaultTradingHours returns the fallback window used when the gateway
// reports no session data for a contract
func DefaultTradingHours() *TradingHours {
	return &TradingHours{
		Timezone: "UTC",
		Open:     "09:30",
		Close:    "16:00",
		Days:     []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
	}
}

// ValidationResult reports the outcome of validating one symbol.
// Transient, never persisted.
type ValidationResult struct {
	Symbol         string            `json:"symbol"` // Normalized symbol
	Valid          bool              `json:"valid"`
	Info           *ContractInfo     `json:"contract_info,omitempty"`    // Resolved contract when valid
	HeadTimestamps map[string]string `json:"head_timestamps,omitempty"`  // Subset for the timeframes this request asked for
	Suggestion     string            `json:"suggested_symbol,omitempty"` // Format hint for invalid symbols (USDJPY -> USD.JPY)
	Error          string            `json:"error,omitempty"`            // Terminal failure description when invalid
	FromCache      bool              `json:"from_cache"`                 // Served without a gateway round trip
	Stale          bool              `json:"stale"`                      // Entry is past its TTL and revalidation failed
	Attempts       int               `json:"attempts"`                   // Gateway lookup attempts consumed
	Duration       time.Duration     `json:"duration_ms"`                // Wall time of the validation
}
