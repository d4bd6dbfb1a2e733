// Package events publishes verification outcomes to MQTT so an audit
// service (or a home automation bus) can follow what the kiosk decided.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

// NewClientFunc is swapped out in tests.
var NewClientFunc = mqtt.NewClient

const publishTimeout = 5 * time.Second

// Config holds the broker connection settings.
type Config struct {
	Enabled     bool
	Broker      string
	Port        int
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Event is the JSON payload published for each decision.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Score      *float64  `json:"score,omitempty"`
	Attempts   int       `json:"attempts"`
	Enrollment bool      `json:"enrollment"`
	Final      bool      `json:"final"`
}

// NewEvent builds the payload for an outcome.
func NewEvent(o verify.Outcome) Event {
	return Event{
		ID:         uuid.NewString(),
		Time:       o.UpdatedAt,
		SessionID:  o.SessionID,
		Key:        o.Key,
		Status:     string(o.Status),
		Code:       string(o.Code),
		Reason:     o.Reason,
		Score:      o.Score,
		Attempts:   o.Attempts,
		Enrollment: o.Enrollment,
		Final:      o.Final,
	}
}

// Publisher sends decision events. A disabled publisher drops everything.
type Publisher struct {
	cfg       Config
	client    mqtt.Client
	connected atomic.Bool
	published atomic.Int64
}

// NewPublisher configures a publisher. It does not connect.
func NewPublisher(cfg Config) *Publisher {
	p := &Publisher{cfg: cfg}
	if !cfg.Enabled {
		logging.Component("events").Info("MQTT publishing is disabled in the configuration")
		return p
	}

	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "facegate"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	p.cfg = cfg

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL())
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(p.StatusTopic(), "offline", 1, true)
	opts.SetConnectionLostHandler(p.connectionLostHandler)
	opts.SetOnConnectHandler(p.onConnectHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	p.client = NewClientFunc(opts)
	return p
}

func (p *Publisher) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
}

// Topic is where decision events go.
func (p *Publisher) Topic() string {
	return p.cfg.TopicPrefix + "/verification"
}

// StatusTopic carries the retained online/offline state.
func (p *Publisher) StatusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

// Published returns the number of events handed to the broker.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	if p.client == nil {
		return nil
	}
	logging.Component("events").Infof("Connecting to MQTT broker: %s", p.brokerURL())
	token := p.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", p.brokerURL())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", p.brokerURL(), err)
	}
	return nil
}

// Stop announces offline and disconnects.
func (p *Publisher) Stop() {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(p.StatusTopic(), 1, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(250)
	p.connected.Store(false)
	logging.Component("events").Info("MQTT client disconnected")
}

func (p *Publisher) connectionLostHandler(_ mqtt.Client, err error) {
	logging.Component("events").Errorf("MQTT connection lost: %v. Attempting to reconnect...", err)
	p.connected.Store(false)
}

func (p *Publisher) onConnectHandler(client mqtt.Client) {
	logging.Component("events").Infof("Connected to MQTT broker: %s", p.brokerURL())
	p.connected.Store(true)
	client.Publish(p.StatusTopic(), 1, true, "online")
}

// HandleOutcome publishes decisions: accepts and rejections. Intermediate
// states are not published.
func (p *Publisher) HandleOutcome(o verify.Outcome) {
	if p.client == nil {
		return
	}
	if o.Status != verify.StatusAccepted && o.Status != verify.StatusRejected {
		return
	}
	if err := p.Publish(NewEvent(o)); err != nil {
		logging.Component("events").WithError(err).Warn("Failed to publish verification event")
	}
}

// Publish sends one event without waiting for the broker.
func (p *Publisher) Publish(ev Event) error {
	if p.client == nil {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker %s", p.brokerURL())
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(), p.cfg.QoS, false, payload)
	p.published.Add(1)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			logging.Component("events").WithError(token.Error()).Warnf("MQTT publish to %s failed", p.Topic())
		}
	}()
	return nil
}
