package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/aristath/gatekeeper/internal/history"
	"github.com/aristath/gatekeeper/internal/validator"
)

// fakeValidator scripts orchestrator responses
type fakeValidator struct {
	result *domain.ValidationResult
	info   *domain.ContractInfo
	head   string
	err    error
}

func (f *fakeValidator) ValidateSymbolWithMetadata(_ context.Context, _ string, _ []string) (*domain.ValidationResult, error) {
	return f.result, f.err
}

func (f *fakeValidator) GetContractDetails(_ context.Context, _ string) (*domain.ContractInfo, error) {
	return f.info, f.err
}

func (f *fakeValidator) FetchHeadTimestamp(_ context.Context, _, _ string, _ bool) (string, error) {
	return f.head, f.err
}

func (f *fakeValidator) Metrics() validator.MetricsSnapshot {
	return validator.MetricsSnapshot{Requested: 7, Validated: 5}
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, v ValidationService) *Server {
	t.Helper()
	store := contracts.NewStore(filepath.Join(t.TempDir(), "cache.json"), time.Hour, zerolog.Nop())
	store.Load()
	store.Put(&domain.ContractInfo{
		Symbol: "EUR.USD",
		Descriptor: domain.ContractDescriptor{
			Symbol: "EUR", SecurityType: domain.SecurityTypeCash,
			Exchange: "IDEALPRO", Currency: "USD",
		},
	})

	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	hist := history.NewRepository(db)
	require.NoError(t, hist.Migrate())
	require.NoError(t, hist.RecordOutcome(context.Background(), "EUR.USD", "validated", 1, time.Second, ""))

	return New(Config{
		Port:      0,
		Log:       zerolog.Nop(),
		Validator: v,
		Store:     store,
		History:   hist,
		Gateway:   &fakePinger{},
	})
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(body.Bytes(), &envelope))
	require.Contains(t, envelope, "data")
	require.Contains(t, envelope, "metadata")
	return envelope
}

func TestHandleValidate(t *testing.T) {
	v := &fakeValidator{result: &domain.ValidationResult{Symbol: "EUR.USD", Valid: true}}
	srv := newTestServer(t, v)

	body := bytes.NewBufferString(`{"symbol": "EUR/USD", "timeframes": ["1 day"]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/validate", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(t, rec.Body)
	data := envelope["data"].(map[string]any)
	assert.Equal(t, "EUR.USD", data["symbol"])
	assert.Equal(t, true, data["valid"])
}

func TestHandleValidateRejectsEmptyBody(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodPost, "/api/validate", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/validate", bytes.NewBufferString(`not json`))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListSymbols(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/symbols", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].(map[string]any)
	assert.Equal(t, []any{"EUR.USD"}, data["validated_symbols"])
	assert.Equal(t, float64(1), data["cache_size"])
}

func TestHandleGetSymbol(t *testing.T) {
	v := &fakeValidator{info: &domain.ContractInfo{Symbol: "EUR.USD"}}
	srv := newTestServer(t, v)

	req := httptest.NewRequest(http.MethodGet, "/api/symbols/EUR.USD", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	v.info = nil
	req = httptest.NewRequest(http.MethodGet, "/api/symbols/NOPE", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHeadTimestamp(t *testing.T) {
	v := &fakeValidator{head: "2005-03-01T08:00:00Z"}
	srv := newTestServer(t, v)

	req := httptest.NewRequest(http.MethodGet, "/api/symbols/EUR.USD/head-timestamp?timeframe=1+day", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].(map[string]any)
	assert.Equal(t, "2005-03-01T08:00:00Z", data["head_timestamp"])
	assert.Equal(t, "1 day", data["timeframe"])
}

func TestHandleClearCache(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodDelete, "/api/cache", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, srv.cfg.Store.Len())
	// Default keeps the validated set
	assert.True(t, srv.cfg.Store.IsValidated("EUR.USD"))

	req = httptest.NewRequest(http.MethodDelete, "/api/cache?full=true", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, srv.cfg.Store.IsValidated("EUR.USD"))
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].(map[string]any)
	assert.Equal(t, float64(7), data["requested"])
	assert.Equal(t, float64(5), data["validated"])
}

func TestHandleHistory(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/history?symbol=EUR.USD", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].([]any)
	require.Len(t, data, 1)
	row := data[0].(map[string]any)
	assert.Equal(t, "validated", row["outcome"])
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "ok", data["gateway"])
	assert.Equal(t, float64(1), data["cached_symbols"])
}

func TestHandleRevalidateNow(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	// Not configured: 404
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/revalidate", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	triggered := make(chan struct{})
	srv.handlers.revalidateNow = func() error {
		close(triggered)
		return nil
	}
	req = httptest.NewRequest(http.MethodPost, "/api/jobs/revalidate", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-triggered:
	case <-time.After(time.Second):
		t.Fatal("revalidation sweep was not triggered")
	}
}

func TestHandleSystemStatus(t *testing.T) {
	srv := newTestServer(t, &fakeValidator{})

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec.Body)["data"].(map[string]any)
	assert.Contains(t, data, "goroutines")
	assert.Contains(t, data, "uptime_seconds")
}
