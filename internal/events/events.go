// Package events fans domain events out to NATS, connected websocket
// clients and the log. Publishing is best effort: a failed publish never
// rolls back the state change it describes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/clients"
	"settlement-backend/internal/metrics"
)

const (
	TopicBalanceChanged    = "balance.changed"
	TopicDepositCredited   = "deposit.credited"
	TopicWagerSettled      = "wager.settled"
	TopicWithdrawalUpdated = "withdrawal.updated"

	TopicAlertEnergyExhausted = "alert.energy_exhausted"
	TopicAlertCustodyLow      = "alert.custody_low_balance"
	TopicAlertRetryAbandoned  = "alert.retry_abandoned"
	TopicAlertInconsistency   = "alert.inconsistency"
)

// Envelope wire form of every event
type Envelope struct {
	Topic     string      `json:"topic"`
	UserID    uint64      `json:"user_id,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// UserScoped payloads addressed to a single user carry their id so the
// stream hub can route them.
type UserScoped interface {
	EventUserID() uint64
}

// Publisher sink for domain events
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// NewEnvelope wraps payload with its topic and routing data.
func NewEnvelope(topic string, payload interface{}) Envelope {
	env := Envelope{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
	if us, ok := payload.(UserScoped); ok {
		env.UserID = us.EventUserID()
	}
	return env
}

// ===== NATS =====

type NATSPublisher struct {
	client *clients.NATSClient
}

func NewNATSPublisher(client *clients.NATSClient) *NATSPublisher {
	return &NATSPublisher{client: client}
}

func (p *NATSPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(NewEnvelope(topic, payload))
	if err != nil {
		return err
	}
	return p.client.Publish(topic, data)
}

// ===== log =====

// LogPublisher writes events to the structured log; alerts at warn level.
type LogPublisher struct {
	log *logrus.Entry
}

func NewLogPublisher(log *logrus.Logger) *LogPublisher {
	return &LogPublisher{log: log.WithField("component", "events")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	entry := p.log.WithFields(logrus.Fields{"topic": topic, "payload": payload})
	if IsAlert(topic) {
		entry.Warn("🚨 alert raised")
	} else {
		entry.Debug("event")
	}
	return nil
}

// IsAlert operator-facing topics
func IsAlert(topic string) bool {
	return len(topic) > 6 && topic[:6] == "alert."
}

// ===== fan-out =====

// Multi publishes to every sink and joins their errors.
type Multi struct {
	sinks []Publisher
}

func NewMulti(sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink; not safe for use once publishing has started.
func (m *Multi) Add(p Publisher) {
	m.sinks = append(m.sinks, p)
}

func (m *Multi) Publish(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsPublished.WithLabelValues(topic, result).Inc()
	return err
}
