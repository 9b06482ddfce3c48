package gateway

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 1 * time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second}, // 32s capped
		{attempt: 20, want: 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestHandleFrameDecodesAndFansOut(t *testing.T) {
	s := NewStatusStream("ws://unused", "", zerolog.Nop())

	var got []StatusEvent
	s.Subscribe(func(ev StatusEvent) { got = append(got, ev) })
	s.Subscribe(func(ev StatusEvent) { got = append(got, ev) })

	frame, err := msgpack.Marshal(StatusEvent{State: "degraded", Detail: "pacing violation", At: 1700000000})
	require.NoError(t, err)

	require.NoError(t, s.handleFrame(frame))

	require.Len(t, got, 2, "every listener sees the event")
	assert.Equal(t, "degraded", got[0].State)
	assert.Equal(t, "pacing violation", got[0].Detail)

	ev, fresh := s.LastEvent()
	require.NotNil(t, ev)
	assert.True(t, fresh)
	assert.Equal(t, int64(1700000000), ev.At)
}

func TestHandleFrameRejectsGarbage(t *testing.T) {
	s := NewStatusStream("ws://unused", "", zerolog.Nop())
	assert.Error(t, s.handleFrame([]byte{0xc1}), "0xc1 is never valid msgpack")

	ev, _ := s.LastEvent()
	assert.Nil(t, ev)
}

func TestLastEventNilBeforeAnyFrame(t *testing.T) {
	s := NewStatusStream("ws://unused", "", zerolog.Nop())
	ev, fresh := s.LastEvent()
	assert.Nil(t, ev)
	assert.False(t, fresh)
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewStatusStream("ws://unused", "", zerolog.Nop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsConnected())
}

func TestStartUnreachableGatewayKeepsOwnership(t *testing.T) {
	// Nothing listens on this address; the initial dial fails fast.
	s := NewStatusStream("ws://127.0.0.1:1/status", "", zerolog.Nop())

	// A dead gateway must not be fatal: the caller keeps the handle and
	// the reconnect loop retries in the background.
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.reconnecting
	}, time.Second, 5*time.Millisecond, "reconnect loop should be running")

	require.NoError(t, s.Stop())

	// Stop ends the loop even between backoff sleeps.
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return !s.reconnecting
	}, time.Second, 5*time.Millisecond, "reconnect loop should exit after Stop")
}

func TestStartAfterStopFails(t *testing.T) {
	s := NewStatusStream("ws://127.0.0.1:1/status", "", zerolog.Nop())
	require.NoError(t, s.Stop())
	assert.Error(t, s.Start())
}
