package connection

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opswatch/jobsync/internal/backoff"
)

// testServer accepts WebSocket connections and runs a per-connection script,
// so tests can drive close codes, directives, and message sequences.
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	dials int

	script func(conn *websocket.Conn, dialNum int)
}

func newTestServer(t *testing.T, script func(conn *websocket.Conn, dialNum int)) *testServer {
	t.Helper()
	ts := &testServer{script: script}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.dials++
		n := ts.dials
		ts.mu.Unlock()
		if ts.script != nil {
			ts.script(conn, n)
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) dialCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.dials
}

// holdOpen keeps a server-side connection alive until the client goes away.
func holdOpen(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func fastConfig(url string) Config {
	return Config{
		URL:           url,
		Policy:        backoff.Policy{Base: 10 * time.Millisecond, Growth: 1.5, Cap: 100 * time.Millisecond},
		MaxAttempts:   5,
		DirectedDelay: 10 * time.Millisecond,
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) { holdOpen(conn) })

	var opened atomic.Int32
	m := New(fastConfig(ts.url()), Callbacks{
		OnOpen: func() { opened.Add(1) },
	})
	defer m.Disconnect()

	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)

	// Further calls while open must not produce a second channel or touch
	// the attempt counter.
	m.Connect()
	m.Connect()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, ts.dialCount())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, uint(0), m.Attempt())
	assert.Equal(t, StateOpen, m.State())
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage() // wait for the client's close response
	})

	closed := make(chan int, 1)
	m := New(fastConfig(ts.url()), Callbacks{
		OnClose: func(code int) { closed <- code },
	})
	defer m.Disconnect()

	m.Connect()
	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}

	// With a 10ms backoff base, any reconnect would land well inside this
	// window.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, ts.dialCount())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, dialNum int) {
		if dialNum <= 2 {
			// Drop the TCP connection without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		holdOpen(conn)
	})

	m := New(fastConfig(ts.url()), Callbacks{})
	defer m.Disconnect()

	m.Connect()
	require.Eventually(t, func() bool {
		return ts.dialCount() == 3 && m.State() == StateOpen
	}, 3*time.Second, 10*time.Millisecond)

	// A successful open resets the attempt counter.
	assert.Equal(t, uint(0), m.Attempt())
}

func TestReconnectExhaustedSurfacesOneTerminalError(t *testing.T) {
	// Reject the upgrade outright so every dial fails and the attempt
	// counter actually grows; a completed handshake would reset it.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var errCount atomic.Int32
	errCh := make(chan error, 8)
	cfg := fastConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.MaxAttempts = 2
	m := New(cfg, Callbacks{
		OnError: func(err error) {
			errCount.Add(1)
			errCh <- err
		},
	})
	defer m.Disconnect()

	m.Connect()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrReconnectExhausted))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal connectivity error")
	}

	// No further recovery, no second terminal error.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), errCount.Load())
	assert.Equal(t, StateDisconnected, m.State())
	// Initial connect plus MaxAttempts retries.
	assert.Equal(t, int32(3), requests.Load())
}

func TestDirectedReconnectBypassesBackoff(t *testing.T) {
	directive := []byte(`{"type":"reconnect_directive"}`)
	ts := newTestServer(t, func(conn *websocket.Conn, dialNum int) {
		if dialNum == 1 {
			conn.WriteMessage(websocket.TextMessage, directive)
		}
		holdOpen(conn)
	})

	var messages atomic.Int32
	m := New(fastConfig(ts.url()), Callbacks{
		OnMessage: func([]byte) { messages.Add(1) },
	})
	defer m.Disconnect()

	m.Connect()
	require.Eventually(t, func() bool {
		return ts.dialCount() == 2 && m.State() == StateOpen
	}, 3*time.Second, 10*time.Millisecond)

	// The directive is consumed by the manager, not delivered as state, and
	// the cycle never counts as a reconnect attempt.
	assert.Equal(t, int32(0), messages.Load())
	assert.Equal(t, uint(0), m.Attempt())
}

func TestDisconnectCancelsReconnectTimers(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) {
		conn.UnderlyingConn().Close()
	})

	cfg := fastConfig(ts.url())
	cfg.Policy = backoff.Policy{Base: 150 * time.Millisecond, Growth: 1.5, Cap: time.Second}
	m := New(cfg, Callbacks{})

	m.Connect()
	// Wait for the first failure to schedule a retry, then tear down while
	// the backoff timer is pending.
	require.Eventually(t, func() bool { return ts.dialCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	m.Disconnect()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, ts.dialCount())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestFiredBackoffTimerCannotResurrectAfterDisconnect(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New(fastConfig("ws"+strings.TrimPrefix(srv.URL, "http")), Callbacks{})
	m.Connect()
	require.Eventually(t, func() bool { return requests.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
	before := requests.Load()

	// A backoff timer that fired just before teardown runs its callback
	// afterwards; the scheduled redial path must refuse to come back.
	m.reconnect()
	m.reconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, requests.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnectAfterExhaustionWalksFullSchedule(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var errCount atomic.Int32
	errCh := make(chan error, 8)
	cfg := fastConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.MaxAttempts = 2
	m := New(cfg, Callbacks{
		OnError: func(err error) {
			errCount.Add(1)
			errCh <- err
		},
	})
	defer m.Disconnect()

	m.Connect()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first exhaustion")
	}
	require.Equal(t, int32(3), requests.Load())

	// A retry from the exhausted state starts the schedule over: the full
	// initial-plus-MaxAttempts dials again, then exactly one more error.
	m.Connect()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrReconnectExhausted))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second exhaustion")
	}
	assert.Equal(t, int32(6), requests.Load())
	assert.Equal(t, int32(2), errCount.Load())
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"type":"entity_update","payload":{"id":"job-1","status":"running"}}`),
		[]byte(`{"type":"entity_update","payload":{"id":"job-1","status":"completed"}}`),
	}
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, f)
		}
		holdOpen(conn)
	})

	var mu sync.Mutex
	var got [][]byte
	m := New(fastConfig(ts.url()), Callbacks{
		OnMessage: func(raw []byte) {
			mu.Lock()
			got = append(got, raw)
			mu.Unlock()
		},
	})
	defer m.Disconnect()

	m.Connect()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(frames[0]), string(got[0]))
	assert.Equal(t, string(frames[1]), string(got[1]))
}

func TestKeepalivePingsSentWhileOpen(t *testing.T) {
	var pings atomic.Int32
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) {
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		holdOpen(conn)
	})

	cfg := fastConfig(ts.url())
	cfg.PingPeriod = 20 * time.Millisecond
	m := New(cfg, Callbacks{})
	defer m.Disconnect()

	m.Connect()
	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectAfterDisconnectIsAllowed(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn, _ int) { holdOpen(conn) })

	m := New(fastConfig(ts.url()), Callbacks{})
	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	// Manual retry after teardown establishes a fresh channel.
	m.Connect()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, ts.dialCount())
	m.Disconnect()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
}
