// Package config loads process settings from DISPATCH_* environment
// variables and the scoring policy from a YAML or JSON file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "DISPATCH"

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type DatabaseEnv struct {
	Type          string        `envconfig:"DB_TYPE" default:"sqlite"`
	DSN           string        `envconfig:"DB_DSN"`
	SlowThreshold time.Duration `envconfig:"DB_SLOW_THRESHOLD" default:"1s"`
}

type SinkEnv struct {
	// Sinks lists the event sinks to fan out to, e.g. "memory,kafka".
	Sinks           []string      `envconfig:"EVENT_SINKS" default:"memory"`
	BusBuffer       int           `envconfig:"EVENT_BUS_BUFFER" default:"64"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaEventTopic string        `envconfig:"KAFKA_EVENT_TOPIC" default:"task_dispatch_events"`
	MQTTBroker      string        `envconfig:"MQTT_BROKER" default:"tcp://localhost:1883"`
	MQTTClientID    string        `envconfig:"MQTT_CLIENT_ID" default:"task-dispatcher"`
	MQTTUsername    string        `envconfig:"MQTT_USERNAME"`
	MQTTPassword    string        `envconfig:"MQTT_PASSWORD"`
	MQTTTopicPrefix string        `envconfig:"MQTT_TOPIC_PREFIX" default:"dispatch"`
	MQTTQoS         int           `envconfig:"MQTT_QOS" default:"1"`
	MQTTAckTimeout  time.Duration `envconfig:"MQTT_ACK_TIMEOUT" default:"5s"`
}

type WorkerEnv struct {
	StatusConsumer    bool          `envconfig:"STATUS_CONSUMER_ENABLED" default:"false"`
	StatusTopic       string        `envconfig:"STATUS_TOPIC" default:"task_status_reports"`
	StatusGroupID     string        `envconfig:"STATUS_GROUP_ID" default:"task-dispatch-status-group"`
	Sweeper           bool          `envconfig:"SWEEPER_ENABLED" default:"true"`
	SweeperInterval   time.Duration `envconfig:"SWEEPER_INTERVAL" default:"1m"`
	SweeperHorizon    time.Duration `envconfig:"SWEEPER_HORIZON" default:"2h"`
	SweeperBatchSize  int           `envconfig:"SWEEPER_BATCH_SIZE" default:"50"`
	ComplianceURL     string        `envconfig:"COMPLIANCE_URL"`
	ComplianceTimeout time.Duration `envconfig:"COMPLIANCE_TIMEOUT" default:"3s"`
}

type Env struct {
	BaseEnv
	DatabaseEnv
	SinkEnv
	WorkerEnv
	PolicyFile string `envconfig:"POLICY_FILE"`
}

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) Validate() error {
	switch strings.ToLower(e.Type) {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported DISPATCH_DB_TYPE %q", e.Type)
	}
	if e.MQTTQoS < 0 || e.MQTTQoS > 2 {
		return fmt.Errorf("DISPATCH_MQTT_QOS must be 0, 1 or 2, got %d", e.MQTTQoS)
	}
	if e.Sweeper && e.SweeperInterval <= 0 {
		return fmt.Errorf("DISPATCH_SWEEPER_INTERVAL must be positive")
	}
	return nil
}
