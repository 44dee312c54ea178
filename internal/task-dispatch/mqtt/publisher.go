// Package mqtt publishes task events to field devices and dashboards over
// an MQTT broker.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"task-dispatch-service/internal/task-dispatch/events"
)

const DefaultTopicPrefix = "dispatch"

type Client interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	TLS         *tls.Config
	AckTimeout  time.Duration
}

func Connect(cfg Config) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	client := paho.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

// Publisher sends each event as JSON to
// {prefix}/{tenant}/tasks/{task_id}/{event type}.
type Publisher struct {
	client     Client
	prefix     string
	qos        byte
	ackTimeout time.Duration
	log        zerolog.Logger
}

func NewPublisher(client Client, cfg Config, log zerolog.Logger) *Publisher {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	timeout := cfg.AckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, prefix: prefix, qos: cfg.QoS, ackTimeout: timeout, log: log}
}

func (p *Publisher) Topic(tenantID, taskID string, eventType events.Type) string {
	return fmt.Sprintf("%s/%s/tasks/%s/%s", p.prefix, tenantID, taskID, eventType)
}

func (p *Publisher) Publish(_ context.Context, eventType events.Type, tenantID string, payload events.TaskPayload) {
	evt := events.NewEvent(eventType, tenantID, payload)
	body, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode event")
		return
	}
	topic := p.Topic(tenantID, payload.TaskID, eventType)
	token := p.client.Publish(topic, p.qos, false, body)
	go func() {
		if !token.WaitTimeout(p.ackTimeout) {
			p.log.Warn().Str("topic", topic).Msg("mqtt publish not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			p.log.Error().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
