package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of relay WebSocket message
type MessageType string

const (
	// Outbound messages (to relay)
	MsgTypeSet    MessageType = "set"
	MsgTypeRemove MessageType = "remove"
	MsgTypeAck    MessageType = "ack"
	MsgTypePong   MessageType = "pong"

	// Inbound messages (from relay)
	MsgTypePut    MessageType = "put"
	MsgTypePatch  MessageType = "patch"
	MsgTypeAuthOK MessageType = "auth_ok"
	MsgTypePing   MessageType = "ping"
	MsgTypeError  MessageType = "error"
)

// Message represents a WebSocket message to/from the relay
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PathPayload is the payload of put, patch, set and remove messages
type PathPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSConfig holds relay client configuration
type WSConfig struct {
	URL      string // wss://relay.example.com/ws/feeder
	DeviceID string
	APIKey   string

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration

	SendQueueSize int
	OnWriteError  WriteErrorHandler
}

// DefaultWSConfig returns default relay client configuration
func DefaultWSConfig() WSConfig {
	return WSConfig{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		SendQueueSize:     100,
	}
}

// WSStore syncs with a relay that mirrors the database over a WebSocket
type WSStore struct {
	config   WSConfig
	sendChan chan *Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewWSStore creates a relay client
func NewWSStore(config WSConfig) (*WSStore, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 100
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	return &WSStore{
		config:   config,
		sendChan: make(chan *Message, config.SendQueueSize),
		stopChan: make(chan struct{}),
	}, nil
}

// Subscribe connects to the relay and streams its events
func (c *WSStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 16)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		c.connectionLoop(ctx, out)
	}()
	return out, nil
}

// Set queues a set message
func (c *WSStore) Set(path string, value any) error {
	w, err := newWrite(path, value)
	if err != nil {
		return err
	}
	return c.send(MsgTypeSet, PathPayload{Path: w.path, Data: w.data})
}

// Remove queues a remove message
func (c *WSStore) Remove(path string) error {
	return c.send(MsgTypeRemove, PathPayload{Path: path})
}

// Close disconnects from the relay and stops all loops
func (c *WSStore) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *WSStore) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WSStore) send(t MessageType, payload interface{}) error {
	select {
	case <-c.stopChan:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   data,
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *WSStore) connectionLoop(ctx context.Context, out chan<- Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialRetryDelay
	bo.MaxInterval = c.config.MaxRetryDelay
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			glog.Errorf("Failed to connect to relay: %v", err)
			emit(ctx, out, Event{Kind: EventError, Err: err})
			if !c.waitWithBackoff(ctx, bo.NextBackOff()) {
				c.disconnect()
				return
			}
			continue
		}

		bo.Reset()
		c.runMessageLoops(ctx, out)
		c.disconnect()

		glog.Warningf("Disconnected from relay, reconnecting...")
		if !c.waitWithBackoff(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *WSStore) waitWithBackoff(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopChan:
		return false
	}
}

// connect establishes the WebSocket connection
func (c *WSStore) connect(ctx context.Context) error {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return err
	}
	q := u.Query()
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	if c.config.DeviceID != "" {
		q.Set("device_id", c.config.DeviceID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	glog.Infof("Connected to relay WebSocket: %s", c.config.URL)
	return nil
}

// disconnect closes the WebSocket connection
func (c *WSStore) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (c *WSStore) runMessageLoops(ctx context.Context, out chan<- Event) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(ctx, out, done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *WSStore) readLoop(ctx context.Context, out chan<- Event, done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		if c.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				glog.Errorf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Warningf("Failed to parse message: %v", err)
			continue
		}

		if !c.handleMessage(ctx, out, &msg) {
			return
		}
	}
}

// writeLoop sends queued messages and keepalive pings
func (c *WSStore) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.closeConn()
			return
		case <-c.stopChan:
			c.closeConn()
			return

		case msg := <-c.sendChan:
			if err := c.writeJSON(msg); err != nil {
				glog.Errorf("WebSocket write error: %v", err)
				c.reportWriteError(msg, err)
				c.closeConn()
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("Ping failed: %v", err)
				c.closeConn()
				return
			}
		}
	}
}

// closeConn unblocks the read loop
func (c *WSStore) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *WSStore) writeJSON(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSStore) reportWriteError(msg *Message, err error) {
	if c.config.OnWriteError == nil {
		return
	}
	if msg.Type != MsgTypeSet && msg.Type != MsgTypeRemove {
		return
	}
	var p PathPayload
	_ = json.Unmarshal(msg.Payload, &p)
	c.config.OnWriteError(p.Path, err)
}

// handleMessage maps a relay message onto the event stream
func (c *WSStore) handleMessage(ctx context.Context, out chan<- Event, msg *Message) bool {
	switch msg.Type {
	case MsgTypePut, MsgTypePatch:
		var p PathPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			glog.Warningf("Failed to parse %s payload: %v", msg.Type, err)
			return true
		}
		kind := EventPut
		if msg.Type == MsgTypePatch {
			kind = EventPatch
		}
		if !emit(ctx, out, Event{Kind: kind, Path: p.Path, Data: p.Data}) {
			return false
		}
		c.sendAck(msg.ID)

	case MsgTypeAuthOK:
		glog.Infof("Relay session authenticated")
		return emit(ctx, out, Event{Kind: EventAuthReady})

	case MsgTypePing:
		c.sendPong(msg.ID)

	case MsgTypeError:
		return emit(ctx, out, Event{Kind: EventError, Err: fmt.Errorf("relay error: %s", string(msg.Payload))})

	default:
		glog.Warningf("Unknown message type: %s", msg.Type)
	}
	return true
}

// sendAck acknowledges an applied put or patch
func (c *WSStore) sendAck(messageID string) {
	if messageID == "" {
		return
	}
	if err := c.send(MsgTypeAck, map[string]interface{}{"message_id": messageID}); err != nil {
		glog.Warningf("Dropping ack: %v", err)
	}
}

// sendPong sends a pong response to a ping
func (c *WSStore) sendPong(pingID string) {
	if err := c.send(MsgTypePong, map[string]interface{}{"ping_id": pingID}); err != nil {
		glog.Warningf("Dropping pong: %v", err)
	}
}
