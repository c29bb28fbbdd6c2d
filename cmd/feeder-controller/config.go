package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aquafeed/feeder-controller/internal/cloud"
	"github.com/aquafeed/feeder-controller/internal/engine"
	"github.com/aquafeed/feeder-controller/internal/hardware"
	"github.com/aquafeed/feeder-controller/internal/telemetry"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID string `yaml:"id" validate:"required"`
	} `yaml:"device"`

	Variant string `yaml:"variant" validate:"omitempty,oneof=full simple gpio"`

	Remote struct {
		Transport string `yaml:"transport" validate:"required,oneof=rtdb websocket mqtt"`

		RTDB struct {
			DatabaseURL string `yaml:"database_url" validate:"omitempty,url"`
			APIKey      string `yaml:"api_key"`
			Email       string `yaml:"email" validate:"omitempty,email"`
			Password    string `yaml:"password"`
		} `yaml:"rtdb"`

		WebSocket struct {
			URL    string `yaml:"url" validate:"omitempty,url"`
			APIKey string `yaml:"api_key"`
		} `yaml:"websocket"`

		MQTT struct {
			Broker      string `yaml:"broker"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			TopicPrefix string `yaml:"topic_prefix"`
			QoS         *int   `yaml:"qos" validate:"omitempty,min=0,max=2"`
		} `yaml:"mqtt"`
	} `yaml:"remote"`

	Feeder struct {
		FeedAngle *int          `yaml:"feed_angle" validate:"omitempty,min=0,max=180"`
		StopAngle *int          `yaml:"stop_angle" validate:"omitempty,min=0,max=180"`
		Hold      time.Duration `yaml:"hold"`
		QueueSize *int          `yaml:"queue_size" validate:"omitempty,min=0"`
	} `yaml:"feeder"`

	Turbidity struct {
		Threshold *int          `yaml:"threshold" validate:"omitempty,min=0"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"turbidity"`

	Timers struct {
		Capacity       int     `yaml:"capacity" validate:"min=0,max=64"`
		IDPrefix       *string `yaml:"id_prefix"`
		MidnightPolicy string  `yaml:"midnight_policy" validate:"omitempty,oneof=delete clear"`
		Mirror         *bool   `yaml:"mirror_triggered"`
	} `yaml:"timers"`

	GPIO struct {
		Enabled  *bool          `yaml:"enabled"`
		ServoPin int            `yaml:"servo_pin"`
		Outputs  map[int]string `yaml:"outputs"` // logical pin -> header pin
	} `yaml:"gpio"`

	Timing struct {
		Tick              time.Duration `yaml:"tick"`
		TimerCheck        time.Duration `yaml:"timer_check"`
		HeartbeatInterval time.Duration `yaml:"heartbeat"`
		Timezone          string        `yaml:"timezone"`
	} `yaml:"timing"`

	Hardware struct {
		Driver     string `yaml:"driver" validate:"omitempty,oneof=raspi sim"`
		ServoPin   string `yaml:"servo_pin"`
		ADCBus     *int   `yaml:"adc_bus" validate:"omitempty,min=0"`
		ADCAddress *int   `yaml:"adc_address" validate:"omitempty,min=0,max=127"`
		ADCChannel *int   `yaml:"adc_channel" validate:"omitempty,min=0,max=3"`
	} `yaml:"hardware"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Upstream struct {
		QueueOffline bool `yaml:"queue_offline"`
	} `yaml:"upstream"`

	Metrics struct {
		Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	} `yaml:"metrics"`

	Influx struct {
		URL      string        `yaml:"url" validate:"omitempty,url"`
		Token    string        `yaml:"token" validate:"required_with=URL"`
		Org      string        `yaml:"org" validate:"required_with=URL"`
		Bucket   string        `yaml:"bucket" validate:"required_with=URL"`
		Backfill time.Duration `yaml:"backfill"`
	} `yaml:"influx"`

	Logging struct {
		Level string `yaml:"level" validate:"omitempty,oneof=info debug trace"`
	} `yaml:"logging"`
}

var validate = validator.New()

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Remote.Transport {
	case "rtdb":
		if c.Remote.RTDB.DatabaseURL == "" {
			return fmt.Errorf("remote.rtdb.database_url is required")
		}
		if c.Remote.RTDB.APIKey == "" {
			return fmt.Errorf("remote.rtdb.api_key is required")
		}
		if (c.Remote.RTDB.Email == "") != (c.Remote.RTDB.Password == "") {
			return fmt.Errorf("remote.rtdb.email and password must be set together")
		}
	case "websocket":
		if c.Remote.WebSocket.URL == "" {
			return fmt.Errorf("remote.websocket.url is required")
		}
	case "mqtt":
		if c.Remote.MQTT.Broker == "" {
			return fmt.Errorf("remote.mqtt.broker is required")
		}
	}

	if c.Upstream.QueueOffline && c.Database.Path == "" {
		return fmt.Errorf("upstream.queue_offline requires database.path")
	}
	if c.Timing.Timezone != "" {
		if _, err := time.LoadLocation(c.Timing.Timezone); err != nil {
			return fmt.Errorf("invalid timing.timezone: %w", err)
		}
	}
	return nil
}

// engineConfig applies the variant preset, then every explicit override
func (c *Config) engineConfig() (engine.Config, error) {
	ec, err := engine.PresetConfig(engine.Variant(c.Variant))
	if err != nil {
		return engine.Config{}, err
	}

	if c.Timers.Capacity > 0 {
		ec.TimerCapacity = c.Timers.Capacity
	}
	if c.Timers.IDPrefix != nil {
		ec.Route.IDPrefix = *c.Timers.IDPrefix
	}
	if c.Timers.MidnightPolicy != "" {
		ec.MidnightPolicy = engine.MidnightPolicy(c.Timers.MidnightPolicy)
	}
	if c.Timers.Mirror != nil {
		ec.MirrorTriggered = *c.Timers.Mirror
	}

	if c.GPIO.Enabled != nil {
		ec.GPIOEnabled = *c.GPIO.Enabled
	}
	if c.GPIO.ServoPin > 0 {
		ec.ServoPin = c.GPIO.ServoPin
	}

	if c.Feeder.FeedAngle != nil {
		ec.FeedAngle = *c.Feeder.FeedAngle
	}
	if c.Feeder.StopAngle != nil {
		ec.StopAngle = *c.Feeder.StopAngle
	}
	if c.Feeder.Hold > 0 {
		ec.FeedHold = c.Feeder.Hold
	}
	if c.Feeder.QueueSize != nil {
		ec.FeedQueueSize = *c.Feeder.QueueSize
	}

	if c.Turbidity.Threshold != nil {
		ec.TurbidityThreshold = *c.Turbidity.Threshold
	}
	if c.Turbidity.Interval > 0 {
		ec.SensorInterval = c.Turbidity.Interval
	}

	if c.Timing.Tick > 0 {
		ec.TickInterval = c.Timing.Tick
	}
	if c.Timing.TimerCheck > 0 {
		ec.TimerInterval = c.Timing.TimerCheck
	}
	if c.Timing.HeartbeatInterval > 0 {
		ec.HeartbeatInterval = c.Timing.HeartbeatInterval
	}
	if c.Timing.Timezone != "" {
		loc, err := time.LoadLocation(c.Timing.Timezone)
		if err != nil {
			return engine.Config{}, fmt.Errorf("invalid timing.timezone: %w", err)
		}
		ec.Location = loc
	}

	ec.QueueOffline = c.Upstream.QueueOffline
	return ec, nil
}

func (c *Config) rtdbConfig(onError cloud.WriteErrorHandler) cloud.RTDBConfig {
	rc := cloud.DefaultRTDBConfig()
	rc.DatabaseURL = c.Remote.RTDB.DatabaseURL
	rc.APIKey = c.Remote.RTDB.APIKey
	rc.Email = c.Remote.RTDB.Email
	rc.Password = c.Remote.RTDB.Password
	rc.OnWriteError = onError
	return rc
}

func (c *Config) wsConfig(onError cloud.WriteErrorHandler) cloud.WSConfig {
	wc := cloud.DefaultWSConfig()
	wc.URL = c.Remote.WebSocket.URL
	wc.APIKey = c.Remote.WebSocket.APIKey
	wc.DeviceID = c.Device.ID
	wc.OnWriteError = onError
	return wc
}

func (c *Config) mqttConfig(onError cloud.WriteErrorHandler) cloud.MQTTConfig {
	mc := cloud.DefaultMQTTConfig()
	mc.Broker = c.Remote.MQTT.Broker
	mc.ClientID = "feeder-" + c.Device.ID
	mc.Username = c.Remote.MQTT.Username
	mc.Password = c.Remote.MQTT.Password
	if c.Remote.MQTT.TopicPrefix != "" {
		mc.TopicPrefix = c.Remote.MQTT.TopicPrefix
	}
	if c.Remote.MQTT.QoS != nil {
		mc.QoS = byte(*c.Remote.MQTT.QoS)
	}
	mc.OnWriteError = onError
	return mc
}

func (c *Config) hardwareConfig() hardware.Config {
	hc := hardware.DefaultConfig()
	if c.Hardware.ServoPin != "" {
		hc.ServoPin = c.Hardware.ServoPin
	}
	if c.Hardware.ADCBus != nil {
		hc.ADCBus = *c.Hardware.ADCBus
	}
	if c.Hardware.ADCAddress != nil {
		hc.ADCAddress = *c.Hardware.ADCAddress
	}
	if c.Hardware.ADCChannel != nil {
		hc.ADCChannel = *c.Hardware.ADCChannel
	}
	for pin, header := range c.GPIO.Outputs {
		hc.Outputs[pin] = header
	}
	return hc
}

func (c *Config) influxConfig() telemetry.InfluxConfig {
	return telemetry.InfluxConfig{
		URL:      c.Influx.URL,
		Token:    c.Influx.Token,
		Org:      c.Influx.Org,
		Bucket:   c.Influx.Bucket,
		Device:   c.Device.ID,
		Backfill: c.Influx.Backfill,
	}
}

// verbosity maps logging.level onto glog's -v
func (c *Config) verbosity() string {
	switch c.Logging.Level {
	case "debug":
		return "1"
	case "trace":
		return "2"
	default:
		return "0"
	}
}
