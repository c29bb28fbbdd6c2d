package cloud

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTopicToPath(t *testing.T) {
	tests := []struct {
		topic string
		path  string
		ok    bool
	}{
		{"feeder/snapshot", "/", true},
		{"feeder/set/feednow", "/feednow", true},
		{"feeder/set/timers/timer0/time", "/timers/timer0/time", true},
		{"feeder/set/", "", false},
		{"feeder/state/feedCount", "", false},
		{"other/set/feednow", "", false},
	}

	for _, tt := range tests {
		path, ok := topicToPath("feeder", tt.topic)
		assert.Equal(t, ok, tt.ok)
		assert.Equal(t, path, tt.path)
	}
}

func TestStateTopic(t *testing.T) {
	assert.Equal(t, stateTopic("feeder", "/feedCount"), "feeder/state/feedCount")
	assert.Equal(t, stateTopic("feeder", "/turbidity/value"), "feeder/state/turbidity/value")
	assert.Equal(t, stateTopic("feeder", "/"), "feeder/state")
}

func TestNewMQTTStoreRequiresBroker(t *testing.T) {
	if _, err := NewMQTTStore(MQTTConfig{}); err == nil {
		t.Error("Expected error without broker")
	}
	s, err := NewMQTTStore(MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "/tank/"})
	if err != nil {
		t.Fatalf("NewMQTTStore failed: %v", err)
	}
	assert.Equal(t, s.config.TopicPrefix, "tank")
}
