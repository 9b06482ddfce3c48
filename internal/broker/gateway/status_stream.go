package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

const (
	baseReconnectDelay   = 1 * time.Second
	maxReconnectDelay    = 30 * time.Second
	maxReconnectAttempts = 10 // Logged differently past this, retries continue
	dialTimeout          = 10 * time.Second
	writeTimeout         = 5 * time.Second
	staleEventThreshold  = 5 * time.Minute
)

// StatusEvent is one connection-status frame from the gateway.
// Frames arrive msgpack-encoded on the status websocket.
type StatusEvent struct {
	State  string `msgpack:"state"`  // "connected", "degraded", "disconnected"
	Detail string `msgpack:"detail"` // Optional human-readable detail
	At     int64  `msgpack:"at"`     // Unix seconds
}

// StatusListener receives status events as they arrive
type StatusListener func(StatusEvent)

// StatusStream maintains a websocket subscription to the gateway's
// connection status feed and fans events out to listeners.
type StatusStream struct {
	url        string
	apiKey     string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	listeners []StatusListener

	lastEvent   *StatusEvent
	lastEventAt time.Time
	eventMu     sync.RWMutex
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because proxies negotiate HTTP/2 via TLS ALPN, but the websocket
// upgrade handshake needs HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewStatusStream creates a status stream client for the given websocket URL
func NewStatusStream(url, apiKey string, log zerolog.Logger) *StatusStream {
	return &StatusStream{
		url:        url,
		apiKey:     apiKey,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "status_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Subscribe registers a listener for future status events.
// Must be called before Start.
func (s *StatusStream) Subscribe(fn StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start opens the websocket and begins the read loop. A failed initial
// connection is not fatal: the reconnect loop keeps retrying in the
// background and Start returns nil, so the caller still owns the stream
// and Stop ends the loop.
func (s *StatusStream) Start() error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return fmt.Errorf("status stream already stopped")
	}

	s.log.Info().Str("url", s.url).Msg("Starting gateway status stream")

	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Msg("Initial status stream connection failed, will retry in background")
		go s.reconnectLoop()
		return nil
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readFrames(ctx)

	return nil
}

// Stop shuts the stream down and prevents further reconnects
func (s *StatusStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopChan)
	conn := s.conn
	cancel := s.cancelFunc
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.log.Info().Msg("Gateway status stream stopped")
	return nil
}

// IsConnected reports whether the stream currently holds a live socket
func (s *StatusStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// LastEvent returns the most recent status event and whether it is still
// fresh enough to trust.
func (s *StatusStream) LastEvent() (*StatusEvent, bool) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if s.lastEvent == nil {
		return nil, false
	}
	ev := *s.lastEvent
	return &ev, time.Since(s.lastEventAt) < staleEventThreshold
}

func (s *StatusStream) connect() error {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	headers := http.Header{}
	if s.apiKey != "" {
		headers.Set("X-Api-Key", s.apiKey)
	}

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to dial status stream: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	if err := s.subscribe(connCtx, conn); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = cancel
	s.connected = true
	s.mu.Unlock()

	s.log.Info().Msg("Status stream connected")
	return nil
}

// subscribe requests the status channel on a fresh socket
func (s *StatusStream) subscribe(ctx context.Context, conn *websocket.Conn) error {
	msg, err := json.Marshal(map[string]string{"op": "subscribe", "channel": "status"})
	if err != nil {
		return fmt.Errorf("failed to encode subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}
	return nil
}

func (s *StatusStream) readFrames(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		msgType, data, err := s.readOne(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Msg("Status stream closed by gateway")
			} else if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Status stream read failed")
			}
			return
		}

		if msgType != websocket.MessageBinary {
			// Text frames are keepalives and subscription acks
			continue
		}

		if err := s.handleFrame(data); err != nil {
			s.log.Warn().Err(err).Msg("Failed to handle status frame")
		}
	}
}

func (s *StatusStream) readOne(ctx context.Context) (websocket.MessageType, []byte, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0, nil, fmt.Errorf("status stream not connected")
	}
	return conn.Read(ctx)
}

// handleFrame decodes one msgpack status frame and fans it out
func (s *StatusStream) handleFrame(data []byte) error {
	var ev StatusEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("failed to decode status event: %w", err)
	}

	s.eventMu.Lock()
	s.lastEvent = &ev
	s.lastEventAt = time.Now()
	s.eventMu.Unlock()

	s.log.Debug().
		Str("state", ev.State).
		Str("detail", ev.Detail).
		Msg("Gateway status event")

	s.mu.RLock()
	listeners := make([]StatusListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// reconnectLoop re-establishes the stream with exponential backoff
func (s *StatusStream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnecting status stream")
		} else {
			s.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Status stream reconnection still failing, will keep retrying")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Status stream reconnection failed")
			continue
		}

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readFrames(ctx)
		return
	}
}

// calculateBackoff returns the exponential reconnect delay for an attempt,
// capped at maxReconnectDelay
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
