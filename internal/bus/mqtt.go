package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the external pub/sub backbone.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TopicPrefix defaults to "voxtask/rooms".
	TopicPrefix string
}

// MQTTBus bridges rooms onto an MQTT broker, one topic per
// (room, message type), QoS 0 to match the at-most-once contract.
type MQTTBus struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu     sync.RWMutex
	routes map[string][]*mqttRoute
}

type mqttRoute struct {
	fn Handler
}

func NewMQTTBus(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "voxtask/rooms"
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "voxtask-relay"
	}

	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	b := &MQTTBus{
		cfg:    cfg,
		logger: logger,
		routes: make(map[string][]*mqttRoute),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.BrokerURL)
			b.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.dispatch,
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; surfacing the miss
		// here is enough for operators.
		logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return b, nil
}

func (b *MQTTBus) topic(room, msgType string) string {
	return b.cfg.TopicPrefix + "/" + room + "/" + msgType
}

func (b *MQTTBus) Publish(ctx context.Context, room, msgType string, payload []byte) error {
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.topic(room, msgType),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", b.topic(room, msgType), err)
	}
	return nil
}

func (b *MQTTBus) Subscribe(ctx context.Context, room, msgType string, fn Handler) (func(), error) {
	topic := b.topic(room, msgType)
	route := &mqttRoute{fn: fn}

	b.mu.Lock()
	first := len(b.routes[topic]) == 0
	b.routes[topic] = append(b.routes[topic], route)
	b.mu.Unlock()

	if first {
		if _, err := b.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			b.removeRoute(topic, route)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if b.removeRoute(topic, route) {
				unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := b.cm.Unsubscribe(unsubCtx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
					b.logger.Debug("mqtt unsubscribe failed", "topic", topic, "error", err)
				}
			}
		})
	}
	return unsubscribe, nil
}

// removeRoute detaches route and reports whether the topic is now
// unreferenced.
func (b *MQTTBus) removeRoute(topic string, route *mqttRoute) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.routes[topic]
	for i, r := range current {
		if r == route {
			b.routes[topic] = append(current[:i], current[i+1:]...)
			break
		}
	}
	if len(b.routes[topic]) == 0 {
		delete(b.routes, topic)
		return true
	}
	return false
}

func (b *MQTTBus) dispatch(pr paho.PublishReceived) (bool, error) {
	b.mu.RLock()
	targets := make([]*mqttRoute, len(b.routes[pr.Packet.Topic]))
	copy(targets, b.routes[pr.Packet.Topic])
	b.mu.RUnlock()

	if len(targets) == 0 {
		return false, nil
	}
	for _, route := range targets {
		route.fn(context.Background(), pr.Packet.Payload)
	}
	return true, nil
}

func (b *MQTTBus) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.RLock()
	topics := make([]string, 0, len(b.routes))
	for topic := range b.routes {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			b.logger.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Close publishes nothing on shutdown; undelivered messages are simply
// lost, matching the at-most-once contract.
func (b *MQTTBus) Close(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}
