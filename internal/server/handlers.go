package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/history"
)

// Handlers serves the validation API endpoints
type Handlers struct {
	validator     ValidationService
	store         *contracts.Store
	history       *history.Repository
	revalidateNow func() error
	log           zerolog.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(v ValidationService, store *contracts.Store, hist *history.Repository, revalidateNow func() error, log zerolog.Logger) *Handlers {
	return &Handlers{
		validator:     v,
		store:         store,
		history:       hist,
		revalidateNow: revalidateNow,
		log:           log.With().Str("handler", "validation").Logger(),
	}
}

// ValidateRequest is the body of POST /api/validate
type ValidateRequest struct {
	Symbol     string   `json:"symbol"`
	Timeframes []string `json:"timeframes,omitempty"`
}

// HandleValidate handles POST /api/validate
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	result, err := h.validator.ValidateSymbolWithMetadata(r.Context(), req.Symbol, req.Timeframes)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Validation aborted")
		http.Error(w, "validation aborted", http.StatusServiceUnavailable)
		return
	}

	writeEnvelope(w, http.StatusOK, result)
}

// HandleListSymbols handles GET /api/symbols
func (h *Handlers) HandleListSymbols(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, map[string]interface{}{
		"validated_symbols": h.store.ValidatedSymbols(),
		"cached_symbols":    h.store.Symbols(),
		"cache_size":        h.store.Len(),
	})
}

// HandleGetSymbol handles GET /api/symbols/{symbol}
func (h *Handlers) HandleGetSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	info, err := h.validator.GetContractDetails(r.Context(), symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Contract details aborted")
		http.Error(w, "lookup aborted", http.StatusServiceUnavailable)
		return
	}
	if info == nil {
		http.Error(w, "symbol not found", http.StatusNotFound)
		return
	}

	writeEnvelope(w, http.StatusOK, info)
}

// HandleHeadTimestamp handles GET /api/symbols/{symbol}/head-timestamp
func (h *Handlers) HandleHeadTimestamp(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	timeframe := r.URL.Query().Get("timeframe")
	force := r.URL.Query().Get("force") == "true"

	ts, err := h.validator.FetchHeadTimestamp(r.Context(), symbol, timeframe, force)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Head timestamp fetch failed")
		http.Error(w, "head timestamp unavailable", http.StatusBadGateway)
		return
	}

	writeEnvelope(w, http.StatusOK, map[string]interface{}{
		"symbol":         symbol,
		"timeframe":      timeframe,
		"head_timestamp": ts,
	})
}

// HandleClearCache handles DELETE /api/cache. The validated set survives
// unless full=true; clearing is an operator action, nothing in the
// validation flow does this.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"
	h.store.Clear(!full)
	h.log.Info().Bool("full", full).Msg("Cache cleared via API")

	writeEnvelope(w, http.StatusOK, map[string]interface{}{
		"cleared":        true,
		"kept_validated": !full,
	})
}

// HandleMetrics handles GET /api/metrics
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusOK, h.validator.Metrics())
}

// HandleHistory handles GET /api/history?symbol=&limit=
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records []history.Record
		err     error
	)
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		records, err = h.history.RecentForSymbol(r.Context(), symbol, limit)
	} else {
		records, err = h.history.Recent(r.Context(), limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query validation history")
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}

	writeEnvelope(w, http.StatusOK, records)
}

// HandleRevalidateNow handles POST /api/jobs/revalidate
func (h *Handlers) HandleRevalidateNow(w http.ResponseWriter, r *http.Request) {
	if h.revalidateNow == nil {
		http.Error(w, "revalidation job not configured", http.StatusNotFound)
		return
	}

	// Sweeps can outlive the request timeout, run detached
	go func() {
		if err := h.revalidateNow(); err != nil {
			h.log.Error().Err(err).Msg("Triggered revalidation sweep failed")
		}
	}()

	writeEnvelope(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// writeEnvelope writes the standard response wrapper
func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}
