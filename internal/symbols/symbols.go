// Package symbols provides symbol normalization, instrument classification
// and candidate contract construction for gateway lookups.
//
// Classification is a heuristic that only decides which candidate contracts
// to try and in what order; the gateway lookup is the source of truth for
// whether an instrument exists.
package symbols

import (
	"fmt"
	"strings"

	"github.com/aristath/gatekeeper/internal/domain"
)

// Default routing for candidate contracts
const (
	forexExchange   = "IDEALPRO"
	stockExchange   = "SMART"
	futureExchange  = "CME"
	defaultCurrency = "USD"
)

// majorCurrencies are the codes accepted as halves of a bare 6-letter pair
var majorCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true,
	"CHF": true, "AUD": true, "CAD": true, "NZD": true,
	"SEK": true, "NOK": true, "DKK": true,
}

// knownPairs short-circuits classification for commonly traded pairs
var knownPairs = map[string]bool{
	"EURUSD": true, "GBPUSD": true, "USDJPY": true, "USDCHF": true,
	"AUDUSD": true, "USDCAD": true, "NZDUSD": true, "EURGBP": true,
	"EURJPY": true, "EURCHF": true, "GBPJPY": true, "AUDJPY": true,
	"CADJPY": true, "CHFJPY": true,
}

var separatorStripper = strings.NewReplacer("/", "", ".", "")

// Normalize converts a raw user symbol to canonical form: trimmed,
// uppercased, every "/" replaced with ".". Idempotent.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "/", ".")
	return strings.ToUpper(s)
}

// Classify decides whether a canonical symbol looks like a forex pair or a
// stock. A bare 6-letter symbol is forex when it is a well-known pair or
// when both 3-letter halves are major currency codes; a dotted symbol with
// exactly six non-separator characters is forex-shaped as well.
func Classify(symbol string) domain.InstrumentKind {
	bare := separatorStripper.Replace(symbol)
	if len(bare) == 6 {
		if isAllLetters(bare) && isForexPair(bare) {
			return domain.KindForex
		}
		if strings.Contains(symbol, ".") {
			return domain.KindForex
		}
	}
	return domain.KindStock
}

// SuggestFormat returns the dotted form for a bare 6-letter forex pair
// ("EURUSD" -> "EUR.USD") and the symbol unchanged otherwise.
func SuggestFormat(symbol string) string {
	if strings.Contains(symbol, ".") {
		return symbol
	}
	bare := separatorStripper.Replace(symbol)
	if len(bare) == 6 && isAllLetters(bare) && isForexPair(bare) {
		return bare[:3] + "." + bare[3:]
	}
	return symbol
}

// Candidates returns the ordered candidate contracts to try at the gateway.
// Priority is Forex, then Stock, then Future; the caller stops at the first
// candidate that resolves. The forex candidate is only built for
// forex-classified symbols that split cleanly into two 3-character halves.
func Candidates(symbol string, kind domain.InstrumentKind) []domain.ContractDescriptor {
	out := make([]domain.ContractDescriptor, 0, 3)
	if kind == domain.KindForex {
		if fx, ok := forexCandidate(symbol); ok {
			out = append(out, fx)
		}
	}
	out = append(out,
		domain.ContractDescriptor{
			Symbol:       symbol,
			SecurityType: domain.SecurityTypeStock,
			Exchange:     stockExchange,
			Currency:     defaultCurrency,
		},
		domain.ContractDescriptor{
			Symbol:       symbol,
			SecurityType: domain.SecurityTypeFuture,
			Exchange:     futureExchange,
			Currency:     defaultCurrency,
		},
	)
	return out
}

// forexCandidate builds a CASH descriptor from BASE.QUOTE or a bare
// 6-letter pair. Both halves must be exactly 3 characters.
func forexCandidate(symbol string) (domain.ContractDescriptor, bool) {
	var base, quote string
	switch {
	case strings.Contains(symbol, "."):
		parts := strings.Split(symbol, ".")
		if len(parts) != 2 {
			return domain.ContractDescriptor{}, false
		}
		base, quote = parts[0], parts[1]
	case len(symbol) == 6:
		base, quote = symbol[:3], symbol[3:]
	default:
		return domain.ContractDescriptor{}, false
	}

	if len(base) != 3 || len(quote) != 3 {
		return domain.ContractDescriptor{}, false
	}

	return domain.ContractDescriptor{
		Symbol:       base,
		SecurityType: domain.SecurityTypeCash,
		Exchange:     forexExchange,
		Currency:     quote,
	}, true
}

// RebuildDescriptor reconstructs a broker descriptor from persisted cache
// fields. An error means the persisted shape cannot produce a valid
// descriptor and the cache entry should be skipped.
func RebuildDescriptor(assetType domain.SecurityType, symbol, exchange, currency string) (domain.ContractDescriptor, error) {
	if symbol == "" {
		return domain.ContractDescriptor{}, fmt.Errorf("empty symbol for asset type %q", assetType)
	}

	switch assetType {
	case domain.SecurityTypeCash:
		fx, ok := forexCandidate(symbol)
		if !ok {
			return domain.ContractDescriptor{}, fmt.Errorf("symbol %q does not split into a forex pair", symbol)
		}
		if exchange != "" {
			fx.Exchange = exchange
		}
		if currency != "" {
			fx.Currency = currency
		}
		return fx, nil

	case domain.SecurityTypeStock, domain.SecurityTypeFuture:
		desc := domain.ContractDescriptor{
			Symbol:       symbol,
			SecurityType: assetType,
			Exchange:     exchange,
			Currency:     currency,
		}
		if desc.Exchange == "" {
			if assetType == domain.SecurityTypeStock {
				desc.Exchange = stockExchange
			} else {
				desc.Exchange = futureExchange
			}
		}
		if desc.Currency == "" {
			desc.Currency = defaultCurrency
		}
		return desc, nil

	default:
		return domain.ContractDescriptor{}, fmt.Errorf("unknown asset type %q", assetType)
	}
}

func isAllLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return len(s) > 0
}

func isForexPair(bare string) bool {
	if knownPairs[bare] {
		return true
	}
	return majorCurrencies[bare[:3]] && majorCurrencies[bare[3:]]
}
