package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/localbridge/internal/config"
	"github.com/nugget/localbridge/internal/events"
	"github.com/nugget/localbridge/internal/invoke"
)

// BreakerSource reports the circuit breaker state. [*invoke.Controller]
// implements it.
type BreakerSource interface {
	State() invoke.BreakerState
}

// Publisher manages the MQTT connection and forwards bus events and
// breaker state to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	breaker    BreakerSource
	controls   Controls
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding. controls may be nil, in which case
// control messages are ignored.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, breaker BreakerSource, controls Controls, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishIntervalSec <= 0 {
		cfg.PublishIntervalSec = 60
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		breaker:    breaker,
		controls:   controls,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishBreaker(ctx, cm)
			p.subscribeControl(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.controlTopic() {
						return false, nil
					}
					p.handleControl(pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) breakerTopic() string {
	return p.cfg.TopicPrefix + "/breaker"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.cfg.TopicPrefix + "/events/" + kind
}

func (p *Publisher) controlTopic() string {
	return p.cfg.TopicPrefix + "/control"
}

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "localbridge-" + id
}

// --- Payloads ---

// eventPayload is the wire shape of a forwarded event.
type eventPayload struct {
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Instance  string         `json:"instance"`
	Data      map[string]any `json:"data,omitempty"`
}

func (p *Publisher) marshalEvent(e events.Event) ([]byte, error) {
	return json.Marshal(eventPayload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:    e.Source,
		Kind:      e.Kind,
		Instance:  p.instanceID,
		Data:      e.Data,
	})
}

func (p *Publisher) marshalBreaker() ([]byte, error) {
	var st invoke.BreakerState
	if p.breaker != nil {
		st = p.breaker.State()
	}
	return json.Marshal(st)
}

// breakerEvent reports whether e changes what the breaker topic shows.
func breakerEvent(e events.Event) bool {
	if e.Source != events.SourceInvoke {
		return false
	}
	switch e.Kind {
	case events.KindCircuitOpen, events.KindCircuitProbe, events.KindRecovered, events.KindRetry:
		return true
	}
	return false
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) publishBreaker(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := p.marshalBreaker()
	if err != nil {
		p.logger.Error("mqtt marshal breaker state", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.breakerTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt breaker publish failed", "error", err)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	payload, err := p.marshalEvent(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(ch)
	}

	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, e)
			if breakerEvent(e) {
				p.publishBreaker(ctx, p.cm)
			}
		case <-ticker.C:
			p.publishBreaker(ctx, p.cm)
		}
	}
}
