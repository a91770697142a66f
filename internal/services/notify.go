package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"settlement-backend/internal/events"
	"settlement-backend/internal/models"
)

// notifier publishes after commit. The publisher is optional; a nil one
// turns every call into a no-op.
type notifier struct {
	pub events.Publisher
	log *logrus.Entry
}

func (n notifier) publish(ctx context.Context, topic string, payload interface{}) {
	if n.pub == nil {
		return
	}
	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		n.log.WithError(err).WithField("topic", topic).Warn("event publish failed")
	}
}

func (n notifier) alert(ctx context.Context, topic, message string, fields logrus.Fields) {
	n.log.WithFields(fields).WithField("alert", topic).Warn("🚨 " + message)
	n.publish(ctx, topic, events.Alert{Message: message, Fields: fields})
}

// inconsistency chain and ledger disagree; needs an operator.
func (n notifier) inconsistency(ctx context.Context, message string, fields logrus.Fields) {
	n.log.WithFields(fields).WithField("critical", true).Error(message)
	n.publish(ctx, events.TopicAlertInconsistency, events.Alert{Message: message, Fields: fields})
}

func (n notifier) balanceChanged(ctx context.Context, entry *models.LedgerEntry, asset string) {
	if entry == nil {
		return
	}
	n.publish(ctx, events.TopicBalanceChanged, events.BalanceChanged{
		UserID:  entry.UserID,
		Asset:   asset,
		Balance: entry.BalanceAfter,
		Delta:   entry.Delta,
		Reason:  string(entry.Reason),
	})
}
