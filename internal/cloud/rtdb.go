package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/sony/gobreaker"
)

const (
	defaultSignInURL  = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithPassword"
	defaultRefreshURL = "https://securetoken.googleapis.com/v1/token"
)

// errAuthRevoked ends a stream session and forces a new sign-in
var errAuthRevoked = errors.New("auth revoked")

// RTDBConfig holds Firebase Realtime Database client configuration
type RTDBConfig struct {
	DatabaseURL string // https://<project>.firebasedatabase.app
	APIKey      string
	Email       string // empty disables authentication
	Password    string

	SignInURL  string
	RefreshURL string

	HTTPTimeout    time.Duration // timeout for writes and auth requests
	IdleTimeout    time.Duration // longest silence on the stream, keep-alives included
	WriteQueueSize int

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration

	// Write circuit breaker
	BreakerFailures uint32
	BreakerOpenFor  time.Duration

	OnWriteError WriteErrorHandler
}

// DefaultRTDBConfig returns default RTDB client configuration
func DefaultRTDBConfig() RTDBConfig {
	return RTDBConfig{
		SignInURL:         defaultSignInURL,
		RefreshURL:        defaultRefreshURL,
		HTTPTimeout:       15 * time.Second,
		IdleTimeout:       90 * time.Second,
		WriteQueueSize:    100,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BreakerFailures:   5,
		BreakerOpenFor:    30 * time.Second,
	}
}

// RTDBStore streams a Firebase Realtime Database over REST
type RTDBStore struct {
	config       RTDBConfig
	httpClient   *http.Client // auth and writes
	streamClient *http.Client // no timeout; the stream is long-lived
	breaker      *gobreaker.CircuitBreaker
	writes       chan write
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	connected    atomic.Bool

	mu           sync.Mutex
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

// NewRTDBStore creates a Firebase Realtime Database client
func NewRTDBStore(config RTDBConfig) (*RTDBStore, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if _, err := url.Parse(config.DatabaseURL); err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if config.Email != "" && config.APIKey == "" {
		return nil, fmt.Errorf("api key is required for email sign-in")
	}
	if config.SignInURL == "" {
		config.SignInURL = defaultSignInURL
	}
	if config.RefreshURL == "" {
		config.RefreshURL = defaultRefreshURL
	}
	if config.WriteQueueSize <= 0 {
		config.WriteQueueSize = 100
	}

	s := &RTDBStore{
		config:       config,
		httpClient:   &http.Client{Timeout: config.HTTPTimeout},
		streamClient: &http.Client{},
		writes:       make(chan write, config.WriteQueueSize),
		stopChan:     make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rtdb-writes",
		Timeout: config.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog.Warningf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return s, nil
}

// Subscribe signs in and streams the whole database. The channel is closed
// when ctx is done or the store is closed.
func (s *RTDBStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 16)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.wg.Add(2)
	go s.writeLoop(ctx)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.streamLoop(ctx, out)
	}()

	return out, nil
}

// Set enqueues a PUT of value at path
func (s *RTDBStore) Set(path string, value any) error {
	w, err := newWrite(path, value)
	if err != nil {
		return err
	}
	return s.enqueue(w)
}

// Remove enqueues a DELETE of path
func (s *RTDBStore) Remove(path string) error {
	return s.enqueue(write{path: path, remove: true})
}

// IsConnected reports whether an event stream session is open
func (s *RTDBStore) IsConnected() bool {
	return s.connected.Load()
}

// Close stops the stream and the writer
func (s *RTDBStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

func (s *RTDBStore) enqueue(w write) error {
	select {
	case <-s.stopChan:
		return ErrClosed
	default:
	}
	select {
	case s.writes <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// streamLoop keeps the event stream connected with exponential backoff
func (s *RTDBStore) streamLoop(ctx context.Context, out chan<- Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.InitialRetryDelay
	bo.MaxInterval = s.config.MaxRetryDelay
	bo.MaxElapsedTime = 0
	retry := backoff.WithContext(bo, ctx)

	authenticated := false
	for {
		if ctx.Err() != nil {
			return
		}

		if !authenticated {
			if err := s.authenticate(ctx); err != nil {
				glog.Errorf("Firebase sign-in failed: %v", err)
				emit(ctx, out, Event{Kind: EventError, Err: fmt.Errorf("sign-in: %w", err)})
				if !s.wait(ctx, retry) {
					return
				}
				continue
			}
			authenticated = true
			glog.Infof("Firebase authenticated")
			if !emit(ctx, out, Event{Kind: EventAuthReady}) {
				return
			}
		}

		err := s.stream(ctx, out, retry.Reset)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errAuthRevoked) {
			glog.Warningf("Firebase stream auth revoked, signing in again")
			authenticated = false
			s.clearToken()
			continue
		}

		glog.Errorf("Firebase stream ended: %v", err)
		emit(ctx, out, Event{Kind: EventError, Err: err})
		if !s.wait(ctx, retry) {
			return
		}
	}
}

func (s *RTDBStore) wait(ctx context.Context, bo backoff.BackOff) bool {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// stream runs one SSE session. connected is called once the server accepts.
func (s *RTDBStore) stream(ctx context.Context, out chan<- Event, connected func()) error {
	token, err := s.token(ctx)
	if err != nil {
		return errAuthRevoked
	}

	u, err := s.endpoint("/", token)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errAuthRevoked
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("stream HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	glog.Infof("Connected to Firebase stream: %s", s.config.DatabaseURL)
	connected()
	s.connected.Store(true)
	defer s.connected.Store(false)

	// A half-open connection never errors; cut the session when the
	// server goes quiet
	var idle atomic.Bool
	touch := func() {}
	if timeout := s.config.IdleTimeout; timeout > 0 {
		watchdog := time.AfterFunc(timeout, func() {
			idle.Store(true)
			cancel()
		})
		defer watchdog.Stop()
		touch = func() { watchdog.Reset(timeout) }
	}

	r := newSSEReader(resp.Body)
	for {
		msg, err := r.Next()
		if err != nil {
			if idle.Load() {
				return fmt.Errorf("stream idle for %s", s.config.IdleTimeout)
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream closed by server")
			}
			return fmt.Errorf("read stream: %w", err)
		}
		touch()

		switch msg.event {
		case "put", "patch":
			var body struct {
				Path string          `json:"path"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.data), &body); err != nil {
				glog.Warningf("Failed to parse %s event: %v", msg.event, err)
				continue
			}
			kind := EventPut
			if msg.event == "patch" {
				kind = EventPatch
			}
			if !emit(ctx, out, Event{Kind: kind, Path: body.Path, Data: body.Data}) {
				return ctx.Err()
			}
		case "keep-alive":
			glog.V(2).Infof("Firebase keep-alive")
		case "cancel":
			return fmt.Errorf("stream cancelled by server: %s", msg.data)
		case "auth_revoked":
			return errAuthRevoked
		default:
			glog.V(1).Infof("Ignoring stream event %q", msg.event)
		}
	}
}

// writeLoop drains the write queue through the circuit breaker
func (s *RTDBStore) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.writes:
			_, err := s.breaker.Execute(func() (interface{}, error) {
				return nil, s.do(ctx, w)
			})
			if err != nil {
				glog.Errorf("Firebase write %s failed: %v", w.path, err)
				if s.config.OnWriteError != nil {
					s.config.OnWriteError(w.path, err)
				}
			} else {
				glog.V(1).Infof("Firebase write %s ok", w.path)
			}
		}
	}
}

func (s *RTDBStore) do(ctx context.Context, w write) error {
	token, err := s.token(ctx)
	if err != nil {
		return err
	}
	u, err := s.endpoint(w.path, token)
	if err != nil {
		return err
	}

	method := http.MethodPut
	var body io.Reader = bytes.NewReader(w.data)
	if w.remove {
		method = http.MethodDelete
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if !w.remove {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// endpoint builds the REST URL for a database path
func (s *RTDBStore) endpoint(path, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.config.DatabaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid database URL: %w", err)
	}
	p := strings.Trim(path, "/")
	if p == "" {
		u.Path += "/.json"
	} else {
		u.Path += "/" + p + ".json"
	}
	if token != "" {
		q := u.Query()
		q.Set("auth", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// =============================================================================
// Authentication
// =============================================================================

func (s *RTDBStore) authenticate(ctx context.Context) error {
	if s.config.Email == "" {
		return nil
	}

	payload := map[string]interface{}{
		"email":             s.config.Email,
		"password":          s.config.Password,
		"returnSecureToken": true,
	}
	var resp struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := s.postJSON(ctx, s.config.SignInURL, payload, &resp); err != nil {
		return err
	}
	if resp.IDToken == "" {
		return fmt.Errorf("sign-in response has no id token")
	}

	s.setToken(resp.IDToken, resp.RefreshToken, resp.ExpiresIn)
	return nil
}

func (s *RTDBStore) refresh(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	u := s.config.RefreshURL + "?key=" + url.QueryEscape(s.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := s.doJSON(req, &body); err != nil {
		return err
	}
	if body.IDToken == "" {
		return fmt.Errorf("refresh response has no id token")
	}

	s.setToken(body.IDToken, body.RefreshToken, body.ExpiresIn)
	glog.V(1).Infof("Firebase token refreshed")
	return nil
}

// token returns a valid id token, refreshing it shortly before expiry
func (s *RTDBStore) token(ctx context.Context) (string, error) {
	if s.config.Email == "" {
		return "", nil
	}

	s.mu.Lock()
	token, refreshToken, expiresAt := s.idToken, s.refreshToken, s.expiresAt
	s.mu.Unlock()

	if token != "" && time.Until(expiresAt) > 5*time.Minute {
		return token, nil
	}
	if refreshToken == "" {
		return "", fmt.Errorf("not authenticated")
	}
	if err := s.refresh(ctx, refreshToken); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToken, nil
}

func (s *RTDBStore) setToken(idToken, refreshToken, expiresIn string) {
	expiresAt := time.Now().Add(time.Hour)
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	} else if exp, ok := tokenExpiry(idToken); ok {
		expiresAt = exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idToken = idToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.expiresAt = expiresAt
}

// tokenExpiry reads the exp claim of an id token without verifying it
func tokenExpiry(idToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (s *RTDBStore) clearToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idToken = ""
	s.expiresAt = time.Time{}
}

func (s *RTDBStore) postJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	u := endpoint + "?key=" + url.QueryEscape(s.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return s.doJSON(req, out)
}

func (s *RTDBStore) doJSON(req *http.Request, out interface{}) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
