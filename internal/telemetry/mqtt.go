// Package telemetry publishes transport events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicAdmin      = "admin"
	TopicConnection = "connection"
	TopicSession    = "session"
	TopicException  = "exception"
	TopicFlood      = "flood"
	TopicLatency    = "latency"
)

// topics routes event types to topic suffixes. Unlisted types, such as
// per-sample latency, are not published.
var topics = map[events.EventType]string{
	events.EventConnectionInitialized:  TopicConnection,
	events.EventConnectionComplete:     TopicConnection,
	events.EventPoolConnectionOpened:   TopicConnection,
	events.EventPoolConnectionClosed:   TopicConnection,
	events.EventDownstreamInitialized:  TopicSession,
	events.EventInitialServerConnected: TopicSession,
	events.EventTransferStarted:        TopicSession,
	events.EventTransferCompleted:      TopicSession,
	events.EventSessionClosed:          TopicSession,
	events.EventDownstreamException:    TopicException,
	events.EventFloodDetected:          TopicFlood,
	events.EventLatencyAlert:           TopicLatency,
	events.EventShutdown:               TopicAdmin,
}

// Publisher is the part of mqtt.Client the handler uses.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to MQTT with host metadata attached.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      Publisher
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for cfg. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":  sysInfo.Hostname,
		"os":        sysInfo.OS,
		"cpu_model": sysInfo.CPUModel,
		"memory_mb": sysInfo.TotalMemory,
	}
	if ip, err := util.GetLocalIP(); err == nil {
		metadata["ip"] = ip
	}
	h := newHandler(cfg, eventBus, nil, metadata)

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("proxytransport-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func newHandler(cfg config.MQTTConfig, bus *events.EventBus, pub Publisher, metadata map[string]interface{}) *MQTTHandler {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "proxytransport"
	}
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: bus,
		pub:      pub,
		metadata: metadata,
		logger:   log.With().Str("component", "mqtt").Logger(),
	}
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// Start connects to the broker, publishes events until ctx ends, then
// disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe()
	<-ctx.Done()

	h.eventBus.UnsubscribeAll("mqtt.publish")
	h.publish(TopicAdmin, map[string]interface{}{"event": "stopped"})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Subscribe registers the publishing handler on the bus.
func (h *MQTTHandler) Subscribe() {
	h.eventBus.SubscribeAll("mqtt.publish", h.onEvent)
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	suffix, ok := topics[event.Type]
	if !ok {
		return nil
	}
	h.publish(suffix, map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"time":    event.Time.UTC().Format(time.RFC3339Nano),
		"payload": event.Payload,
	})
	return nil
}

// Topic returns the full topic for suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message at QoS 1.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if h.pub == nil || !h.pub.IsConnected() {
		return
	}
	topic := h.Topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
