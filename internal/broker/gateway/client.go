// Package gateway provides the HTTP command client and the status stream for
// the brokerage gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 30 * time.Second
	closeTimeout          = 2 * time.Second
)

// Config holds gateway connection settings
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client is the HTTP command codec for the gateway. One Client is shared by
// all sessions; it holds no per-session state.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return NewClientWithHTTPClient(cfg, &http.Client{Timeout: timeout}, log)
}

// NewClientWithHTTPClient creates a client with a custom HTTP client.
// This is primarily used for testing.
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client, log zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

// Ping checks that the gateway answers commands. Used by health reporting.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "ping", "", struct{}{}, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("gateway reported status %q", out.Status)
	}
	return nil
}

// Dial opens a new gateway session. Implements pool.Factory.
func (c *Client) Dial(ctx context.Context) (domain.BrokerConn, error) {
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.post(ctx, "session/open", "", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("failed to open gateway session: %w", err)
	}
	if out.SessionToken == "" {
		return nil, errors.New("gateway returned an empty session token")
	}

	conn := &Conn{
		client: c,
		token:  out.SessionToken,
		log:    c.log.With().Str("session", out.SessionToken[:min(8, len(out.SessionToken))]).Logger(),
	}
	conn.connected.Store(true)
	conn.log.Debug().Msg("Gateway session opened")
	return conn, nil
}

// apiError is the gateway's structured error payload
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the gateway's response wrapper
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error,omitempty"`
}

// post sends one command to the gateway and decodes the result into out.
// Timeouts at any layer surface as domain.ErrTimeout so callers can pick the
// short-retry path.
func (c *Client) post(ctx context.Context, command, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", command, err)
	}

	requestURL := fmt.Sprintf("%s/api/v1/%s", strings.TrimRight(c.cfg.BaseURL, "/"), command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", command, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: %w", command, domain.ErrTimeout)
		}
		return fmt.Errorf("%s request failed: %w", command, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", command, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%s: HTTP %d: %w", command, resp.StatusCode, domain.ErrTimeout)
	default:
		snippet := string(raw)
		if len(snippet) > 500 {
			snippet = snippet[:500] + "..."
		}
		return fmt.Errorf("%s returned HTTP %d: %s", command, resp.StatusCode, snippet)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", command, err)
	}
	if env.Error != nil {
		if env.Error.Code == "TIMEOUT" {
			return fmt.Errorf("%s: %s: %w", command, env.Error.Message, domain.ErrTimeout)
		}
		return fmt.Errorf("%s failed: %s (%s)", command, env.Error.Message, env.Error.Code)
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", command, err)
		}
	}
	return nil
}

// Conn is one authenticated gateway session. Implements domain.BrokerConn.
type Conn struct {
	client    *Client
	token     string
	connected atomic.Bool
	log       zerolog.Logger
}

// contractPayload is the request body for contract commands
type contractPayload struct {
	Symbol       string `json:"symbol"`
	SecurityType string `json:"security_type"`
	Exchange     string `json:"exchange"`
	Currency     string `json:"currency"`
	WhatToShow   string `json:"what_to_show,omitempty"`
}

// wireContract is one contract in a contracts/details response
type wireContract struct {
	Symbol          string            `json:"symbol"`
	SecurityType    string            `json:"security_type"`
	Exchange        string            `json:"exchange"`
	PrimaryExchange string            `json:"primary_exchange"`
	Currency        string            `json:"currency"`
	LongName        string            `json:"long_name"`
	ContractMonth   string            `json:"contract_month"`
	TradingHours    *wireTradingHours `json:"trading_hours"`
}

type wireTradingHours struct {
	Timezone string   `json:"timezone"`
	Open     string   `json:"open"`
	Close    string   `json:"close"`
	Days     []string `json:"days"`
}

// ContractDetails resolves a candidate descriptor against the gateway.
// Zero matches come back as an empty slice with no error.
func (cn *Conn) ContractDetails(ctx context.Context, desc domain.ContractDescriptor) ([]domain.ContractInfo, error) {
	var out struct {
		Contracts []wireContract `json:"contracts"`
	}
	payload := contractPayload{
		Symbol:       desc.Symbol,
		SecurityType: string(desc.SecurityType),
		Exchange:     desc.Exchange,
		Currency:     desc.Currency,
	}
	if err := cn.client.post(ctx, "contracts/details", cn.token, payload, &out); err != nil {
		cn.noteFailure(err)
		return nil, err
	}
	cn.connected.Store(true)

	infos := make([]domain.ContractInfo, 0, len(out.Contracts))
	for _, w := range out.Contracts {
		infos = append(infos, w.toInfo(desc))
	}
	return infos, nil
}

// HeadTimestamp fetches the earliest available history for one bar source.
// A zero time with nil error means the gateway has no data for this source.
func (cn *Conn) HeadTimestamp(ctx context.Context, desc domain.ContractDescriptor, whatToShow string) (time.Time, error) {
	var out struct {
		Timestamp string `json:"timestamp"`
	}
	payload := contractPayload{
		Symbol:       desc.Symbol,
		SecurityType: string(desc.SecurityType),
		Exchange:     desc.Exchange,
		Currency:     desc.Currency,
		WhatToShow:   whatToShow,
	}
	if err := cn.client.post(ctx, "contracts/head-timestamp", cn.token, payload, &out); err != nil {
		cn.noteFailure(err)
		return time.Time{}, err
	}
	cn.connected.Store(true)

	if out.Timestamp == "" {
		return time.Time{}, nil
	}
	ts, err := parseHeadTimestamp(out.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse head timestamp %q: %w", out.Timestamp, err)
	}
	return ts, nil
}

// IsConnected reports whether the session survived its last command
func (cn *Conn) IsConnected() bool {
	return cn.connected.Load()
}

// Close releases the gateway session. Best effort; the gateway also reaps
// idle sessions on its own.
func (cn *Conn) Close() error {
	if !cn.connected.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := cn.client.post(ctx, "session/close", cn.token, struct{}{}, nil); err != nil {
		cn.log.Debug().Err(err).Msg("Failed to close gateway session")
		return nil
	}
	cn.log.Debug().Msg("Gateway session closed")
	return nil
}

// noteFailure drops the session on transport-level failures. Command-level
// errors (a structured error payload) leave the session usable.
func (cn *Conn) noteFailure(err error) {
	if errors.Is(err, domain.ErrTimeout) || isTransport(err) {
		cn.connected.Store(false)
	}
}

func (w wireContract) toInfo(desc domain.ContractDescriptor) domain.ContractInfo {
	resolved := domain.ContractDescriptor{
		Symbol:       firstNonEmpty(w.Symbol, desc.Symbol),
		SecurityType: domain.SecurityType(firstNonEmpty(w.SecurityType, string(desc.SecurityType))),
		Exchange:     firstNonEmpty(w.PrimaryExchange, w.Exchange, desc.Exchange),
		Currency:     firstNonEmpty(w.Currency, desc.Currency),
	}

	info := domain.ContractInfo{
		Descriptor:  resolved,
		Description: firstNonEmpty(w.LongName, w.ContractMonth),
	}
	if th := w.TradingHours; th != nil && th.Timezone != "" && th.Open != "" && th.Close != "" {
		info.TradingHours = &domain.TradingHours{
			Timezone: th.Timezone,
			Open:     th.Open,
			Close:    th.Close,
			Days:     th.Days,
		}
	}
	return info
}

// parseHeadTimestamp accepts the gateway's timestamp shapes: epoch seconds,
// "yyyyMMdd-HH:mm:ss" (treated as UTC) and RFC3339.
func parseHeadTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if ts, err := time.Parse("20060102-15:04:05", s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isTransport(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return strings.Contains(err.Error(), "request failed")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
