package mqtt

import (
	"context"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Controls are the remote actions accepted on the control topic.
type Controls interface {
	// ResetBreaker closes the circuit breaker and clears the retry log.
	ResetBreaker()
	// ClearHistory empties the conversation window.
	ClearHistory()
}

// Control commands, sent as the plain-text payload.
const (
	CommandResetBreaker = "reset_breaker"
	CommandClearHistory = "clear_history"
)

func (p *Publisher) subscribeControl(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.controls == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.controlTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt control subscribe failed", "topic", p.controlTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt control subscribed", "topic", p.controlTopic())
}

// handleControl runs one command. Unknown commands are logged and
// ignored.
func (p *Publisher) handleControl(payload []byte) {
	if p.controls == nil {
		return
	}
	cmd := strings.ToLower(strings.TrimSpace(string(payload)))
	switch cmd {
	case CommandResetBreaker:
		p.controls.ResetBreaker()
	case CommandClearHistory:
		p.controls.ClearHistory()
	default:
		p.logger.Warn("mqtt unknown control command", "command", cmd)
		return
	}
	p.logger.Info("mqtt control command applied", "command", cmd)
}
