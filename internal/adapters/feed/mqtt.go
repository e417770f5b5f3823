package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/okian/statuswatch/pkg/logger"
)

const (
	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttDisconnectWait = 250 // milliseconds
)

// ErrMirrorTimeout is returned when the broker does not acknowledge in time.
var ErrMirrorTimeout = errors.New("mqtt operation timed out")

// MQTTConfig describes the broker the feed is mirrored to.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTMirror republishes feed payloads on "<prefix>/<user_id>" at QoS 0.
type MQTTMirror struct {
	client mqtt.Client
	prefix string
	logger logger.Logger
}

// NewMQTTMirror connects to the configured broker.
func NewMQTTMirror(ctx context.Context, cfg MQTTConfig, log logger.Logger) (*MQTTMirror, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if log == nil {
		log = logger.Get().Named("feed-mqtt")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "statuswatch"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn(context.Background(), "mqtt connection lost", logger.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, ErrMirrorTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	log.Info(ctx, "connected to mqtt broker", logger.String("broker", cfg.Broker))
	return newMQTTMirror(client, cfg.TopicPrefix, log), nil
}

func newMQTTMirror(client mqtt.Client, prefix string, log logger.Logger) *MQTTMirror {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "statuswatch/feed"
	}
	return &MQTTMirror{client: client, prefix: prefix, logger: log}
}

// Topic returns the topic used for userID.
func (m *MQTTMirror) Topic(userID string) string {
	return m.prefix + "/" + userID
}

// Mirror implements Mirror.
func (m *MQTTMirror) Mirror(ctx context.Context, userID string, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(m.Topic(userID), 0, false, payload)

	wait := mqttPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < wait {
			wait = d
		}
	}
	if !token.WaitTimeout(wait) {
		return ErrMirrorTimeout
	}
	return token.Error()
}

// Close disconnects from the broker.
func (m *MQTTMirror) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(mqttDisconnectWait)
	}
	return nil
}
