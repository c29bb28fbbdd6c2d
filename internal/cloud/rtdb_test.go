package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
)

type recordedWrite struct {
	method string
	path   string
	auth   string
	body   string
}

// fakeFirebase serves sign-in, the event stream and REST writes
type fakeFirebase struct {
	signIns  atomic.Int32
	streams  atomic.Int32
	writes   chan recordedWrite
	sessions []string // SSE payload per stream connection
}

func (f *fakeFirebase) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		n := f.signIns.Add(1)
		fmt.Fprintf(w, `{"idToken":"tok%d","refreshToken":"refresh","expiresIn":"3600"}`, n)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/.json" {
			f.stream(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.writes <- recordedWrite{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.URL.Query().Get("auth"),
			body:   string(body),
		}
		w.Write([]byte("null"))
	})
	return mux
}

func (f *fakeFirebase) stream(w http.ResponseWriter, r *http.Request) {
	n := int(f.streams.Add(1)) - 1
	w.Header().Set("Content-Type", "text/event-stream")
	if n < len(f.sessions) {
		io.WriteString(w, f.sessions[n])
	}
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

func newTestRTDB(t *testing.T, f *fakeFirebase, opts ...func(*RTDBConfig)) (*RTDBStore, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler())

	cfg := DefaultRTDBConfig()
	cfg.DatabaseURL = srv.URL
	cfg.SignInURL = srv.URL + "/signin"
	cfg.APIKey = "key"
	cfg.Email = "feeder@example.com"
	cfg.Password = "secret"
	cfg.InitialRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 50 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := NewRTDBStore(cfg)
	if err != nil {
		srv.Close()
		t.Fatalf("NewRTDBStore failed: %v", err)
	}
	return store, func() {
		store.Close()
		srv.Close()
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("Event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

func TestRTDBStreamAndWrites(t *testing.T) {
	f := &fakeFirebase{
		writes: make(chan recordedWrite, 4),
		sessions: []string{
			"event: put\ndata: {\"path\":\"/\",\"data\":{\"feedCount\":2}}\n\n" +
				"event: keep-alive\ndata: null\n\n" +
				"event: patch\ndata: {\"path\":\"/timers\",\"data\":{\"timer0\":null}}\n\n",
		},
	}
	store, cleanup := newTestRTDB(t, f)
	defer cleanup()

	events, err := store.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	assert.Equal(t, nextEvent(t, events).Kind, EventAuthReady)

	put := nextEvent(t, events)
	assert.Equal(t, put.Kind, EventPut)
	assert.Equal(t, put.Path, "/")
	assert.Equal(t, string(put.Data), `{"feedCount":2}`)

	patch := nextEvent(t, events)
	assert.Equal(t, patch.Kind, EventPatch)
	assert.Equal(t, patch.Path, "/timers")

	if err := store.Set("/feedCount", 3); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Remove("/timers"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	got := <-f.writes
	assert.Equal(t, got, recordedWrite{method: http.MethodPut, path: "/feedCount.json", auth: "tok1", body: "3"})
	got = <-f.writes
	assert.Equal(t, got, recordedWrite{method: http.MethodDelete, path: "/timers.json", auth: "tok1", body: ""})
}

func TestRTDBAuthRevokedSignsInAgain(t *testing.T) {
	f := &fakeFirebase{
		writes: make(chan recordedWrite, 1),
		sessions: []string{
			"event: auth_revoked\ndata: credential is no longer valid\n\n",
			"event: put\ndata: {\"path\":\"/feednow\",\"data\":true}\n\n",
		},
	}
	store, cleanup := newTestRTDB(t, f)
	defer cleanup()

	events, err := store.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	assert.Equal(t, nextEvent(t, events).Kind, EventAuthReady)
	assert.Equal(t, nextEvent(t, events).Kind, EventAuthReady)

	ev := nextEvent(t, events)
	assert.Equal(t, ev.Kind, EventPut)
	assert.Equal(t, ev.Path, "/feednow")
	assert.Equal(t, int(f.signIns.Load()), 2)
}

func TestRTDBCancelReportsError(t *testing.T) {
	f := &fakeFirebase{
		writes: make(chan recordedWrite, 1),
		sessions: []string{
			"event: cancel\ndata: permission denied\n\n",
			"event: put\ndata: {\"path\":\"/\",\"data\":null}\n\n",
		},
	}
	store, cleanup := newTestRTDB(t, f)
	defer cleanup()

	events, _ := store.Subscribe(context.Background())

	assert.Equal(t, nextEvent(t, events).Kind, EventAuthReady)
	ev := nextEvent(t, events)
	assert.Equal(t, ev.Kind, EventError)
	if ev.Err == nil {
		t.Error("Expected an error on cancel")
	}

	// Reconnects with the existing session
	assert.Equal(t, nextEvent(t, events).Kind, EventPut)
	assert.Equal(t, int(f.signIns.Load()), 1)
}

func TestRTDBIdleStreamReconnects(t *testing.T) {
	f := &fakeFirebase{
		writes: make(chan recordedWrite, 1),
		sessions: []string{
			"event: put\ndata: {\"path\":\"/\",\"data\":null}\n\n",
			"event: put\ndata: {\"path\":\"/feednow\",\"data\":true}\n\n",
		},
	}
	store, cleanup := newTestRTDB(t, f, func(c *RTDBConfig) {
		c.IdleTimeout = 100 * time.Millisecond
	})
	defer cleanup()

	assert.Equal(t, store.IsConnected(), false)
	events, _ := store.Subscribe(context.Background())

	assert.Equal(t, nextEvent(t, events).Kind, EventAuthReady)
	assert.Equal(t, nextEvent(t, events).Kind, EventPut)
	assert.Equal(t, store.IsConnected(), true)

	// Server stays silent after the first snapshot
	ev := nextEvent(t, events)
	assert.Equal(t, ev.Kind, EventError)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "idle") {
		t.Errorf("Expected idle error, got %v", ev.Err)
	}

	ev = nextEvent(t, events)
	assert.Equal(t, ev.Kind, EventPut)
	assert.Equal(t, ev.Path, "/feednow")
	assert.Equal(t, int(f.streams.Load()), 2)
	assert.Equal(t, int(f.signIns.Load()), 1)
}

func TestRTDBEndpoint(t *testing.T) {
	s, err := NewRTDBStore(RTDBConfig{DatabaseURL: "https://feeder.firebasedatabase.app/"})
	if err != nil {
		t.Fatalf("NewRTDBStore failed: %v", err)
	}

	u, _ := s.endpoint("/", "")
	assert.Equal(t, u, "https://feeder.firebasedatabase.app/.json")

	u, _ = s.endpoint("/timers/timer0/time", "abc")
	assert.Equal(t, u, "https://feeder.firebasedatabase.app/timers/timer0/time.json?auth=abc")
}

func TestRTDBRequiresAPIKeyForSignIn(t *testing.T) {
	_, err := NewRTDBStore(RTDBConfig{DatabaseURL: "https://x.firebaseio.com", Email: "a@b.c"})
	if err == nil {
		t.Error("Expected error without api key")
	}
}

func TestTokenExpiryFromClaims(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "feeder",
	}).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}

	got, ok := tokenExpiry(token)
	assert.Equal(t, ok, true)
	assert.Equal(t, got.Unix(), exp.Unix())

	_, ok = tokenExpiry("not-a-jwt")
	assert.Equal(t, ok, false)

	// expiresIn missing falls back to the claim
	s := &RTDBStore{}
	s.setToken(token, "refresh", "")
	assert.Equal(t, s.expiresAt.Unix(), exp.Unix())
	assert.Equal(t, s.refreshToken, "refresh")
}
