package ibkr

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicklerKeepsSessionAlive(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	var tickles atomic.Int64
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", m.handleLST)
	mux.HandleFunc("/tickle", func(w http.ResponseWriter, r *http.Request) {
		tickles.Add(1)
		fmt.Fprint(w, `{"session": "sess-1"}`)
	})

	client := newTestClient(t, m, server.URL)
	tickler := NewTickler(client, 20*time.Millisecond)
	assert.Equal(t, TicklerIdle, tickler.State())

	tickler.Start(t.Context())
	assert.Equal(t, TicklerRunning, tickler.State())

	assert.Eventually(t, func() bool { return tickles.Load() >= 2 },
		2*time.Second, 10*time.Millisecond, "tickler should keep firing")

	tickler.Stop()
	assert.Equal(t, TicklerStopped, tickler.State())

	settled := tickles.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, tickles.Load(), "no tickles after Stop")
}

func TestTicklerInvalidatesSessionAfterConsecutiveFailures(t *testing.T) {
	m := newMockBroker(t, "CONSUMER", []byte("decrypted-token-secret"))

	var handshakeDown atomic.Bool
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/live_session_token", func(w http.ResponseWriter, r *http.Request) {
		if handshakeDown.Load() {
			// Re-derivation fails too, so the discarded LST stays gone and
			// the assertion below cannot race a fresh handshake.
			http.Error(w, `{"error": "unavailable"}`, http.StatusBadRequest)
			return
		}
		m.handleLST(w, r)
	})
	mux.HandleFunc("/tickle", func(w http.ResponseWriter, r *http.Request) {
		// A non-retryable failure keeps each tick fast.
		http.Error(w, `{"error": "gateway unavailable"}`, http.StatusBadRequest)
	})

	client := newTestClient(t, m, server.URL)

	// Hold a valid session first so invalidation is observable.
	_, err := client.liveSession(t.Context())
	require.NoError(t, err)
	handshakeDown.Store(true)

	tickler := NewTickler(client, 15*time.Millisecond)
	tickler.Start(t.Context())
	defer tickler.Stop()

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.lst == nil
	}, 2*time.Second, 10*time.Millisecond,
		"three consecutive tickle failures should discard the LST")

	// Once the handshake endpoint recovers, the next authenticated call
	// derives a fresh token.
	handshakeDown.Store(false)
	before := m.derivations.Load()
	_, err = client.liveSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, before+1, m.derivations.Load())
}
