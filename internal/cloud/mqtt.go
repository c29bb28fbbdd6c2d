package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string

	// Commands arrive on <prefix>/set/<path> and full trees on
	// <prefix>/snapshot. State is published under <prefix>/state/<path>.
	TopicPrefix string
	QoS         byte
	Retain      bool

	ConnectRetries int
	WriteQueueSize int
	OnWriteError   WriteErrorHandler
}

// DefaultMQTTConfig returns default broker settings
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		ClientID:       "feeder-controller",
		TopicPrefix:    "feeder",
		QoS:            1,
		Retain:         true,
		ConnectRetries: 5,
		WriteQueueSize: 100,
	}
}

// MQTTStore maps the store model onto broker topics
type MQTTStore struct {
	config   MQTTConfig
	client   mqtt.Client
	writes   chan write
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	out    chan Event
	ctx    context.Context
	closed bool
}

// NewMQTTStore creates a broker-backed store. No connection is made until
// Subscribe.
func NewMQTTStore(config MQTTConfig) (*MQTTStore, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "feeder"
	}
	if config.WriteQueueSize <= 0 {
		config.WriteQueueSize = 100
	}
	config.TopicPrefix = strings.Trim(config.TopicPrefix, "/")
	return &MQTTStore{
		config:   config,
		writes:   make(chan write, config.WriteQueueSize),
		stopChan: make(chan struct{}),
	}, nil
}

// Subscribe connects to the broker with retries and streams inbound
// commands as events
func (m *MQTTStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.out = make(chan Event, 16)
	m.ctx = ctx
	m.closed = false
	out := m.out
	m.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.config.Broker)
	opts.SetClientID(m.config.ClientID)
	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		glog.Warningf("MQTT connection lost: %v", err)
		m.deliver(Event{Kind: EventError, Err: fmt.Errorf("connection lost: %w", err)})
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	retries := m.config.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			glog.Warningf("Failed to connect to MQTT broker: %v", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	m.client = client
	glog.Infof("Connected to MQTT broker at %s", m.config.Broker)

	m.wg.Add(2)
	go m.writeLoop(ctx)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-m.stopChan:
			cancel()
		}
		client.Disconnect(250)

		m.mu.Lock()
		m.closed = true
		close(out)
		m.mu.Unlock()
		glog.Infof("MQTT connection closed")
	}()

	return out, nil
}

// Set queues a retained publish of value
func (m *MQTTStore) Set(path string, value any) error {
	w, err := newWrite(path, value)
	if err != nil {
		return err
	}
	return m.enqueue(w)
}

// Remove clears the retained value at path
func (m *MQTTStore) Remove(path string) error {
	return m.enqueue(write{path: path, remove: true})
}

// Close disconnects from the broker
func (m *MQTTStore) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return nil
}

// IsConnected reports whether the broker connection is open
func (m *MQTTStore) IsConnected() bool {
	return m.client != nil && m.client.IsConnectionOpen()
}

func (m *MQTTStore) enqueue(w write) error {
	select {
	case <-m.stopChan:
		return ErrClosed
	default:
	}
	select {
	case m.writes <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// onConnect runs on every (re)connect; subscriptions do not survive a
// clean session
func (m *MQTTStore) onConnect(c mqtt.Client) {
	topics := map[string]byte{
		m.config.TopicPrefix + "/set/#":    m.config.QoS,
		m.config.TopicPrefix + "/snapshot": m.config.QoS,
	}
	if token := c.SubscribeMultiple(topics, m.onMessage); token.Wait() && token.Error() != nil {
		glog.Errorf("Failed to subscribe: %v", token.Error())
		m.deliver(Event{Kind: EventError, Err: fmt.Errorf("subscribe: %w", token.Error())})
		return
	}
	glog.Infof("Subscribed to %s/set/# and %s/snapshot", m.config.TopicPrefix, m.config.TopicPrefix)
	m.deliver(Event{Kind: EventAuthReady})
}

func (m *MQTTStore) onMessage(_ mqtt.Client, msg mqtt.Message) {
	path, ok := topicToPath(m.config.TopicPrefix, msg.Topic())
	if !ok {
		glog.V(1).Infof("Ignoring message on %s", msg.Topic())
		return
	}
	glog.V(2).Infof("MQTT %s -> put %s", msg.Topic(), path)
	m.deliver(Event{Kind: EventPut, Path: path, Data: json.RawMessage(msg.Payload())})
}

// deliver forwards an event from a paho callback goroutine
func (m *MQTTStore) deliver(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.out == nil {
		return
	}
	emit(m.ctx, m.out, ev)
}

func (m *MQTTStore) writeLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case w := <-m.writes:
			if err := m.publish(w); err != nil {
				glog.Errorf("MQTT publish %s failed: %v", w.path, err)
				if m.config.OnWriteError != nil {
					m.config.OnWriteError(w.path, err)
				}
			}
		}
	}
}

func (m *MQTTStore) publish(w write) error {
	topic := stateTopic(m.config.TopicPrefix, w.path)
	var payload []byte
	if !w.remove {
		payload = w.data
	}
	token := m.client.Publish(topic, m.config.QoS, m.config.Retain, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}
	return nil
}

// topicToPath maps an inbound topic to a database path
func topicToPath(prefix, topic string) (string, bool) {
	if topic == prefix+"/snapshot" {
		return "/", true
	}
	rest, ok := strings.CutPrefix(topic, prefix+"/set/")
	if !ok || strings.Trim(rest, "/") == "" {
		return "", false
	}
	return "/" + strings.Trim(rest, "/"), true
}

// stateTopic maps a database path to its outbound topic
func stateTopic(prefix, path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return prefix + "/state"
	}
	return prefix + "/state/" + p
}
