package events

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	topics []string
	err    error
}

func (s *sink) Publish(_ context.Context, topic string, _ interface{}) error {
	s.topics = append(s.topics, topic)
	return s.err
}

func TestMultiPublishesToEverySink(t *testing.T) {
	failing := &sink{err: errors.New("down")}
	ok := &sink{}
	m := NewMulti(failing, ok)

	err := m.Publish(context.Background(), TopicWagerSettled, WagerSettled{UserID: 1})
	require.Error(t, err)
	assert.Equal(t, []string{TopicWagerSettled}, failing.topics)
	assert.Equal(t, []string{TopicWagerSettled}, ok.topics)
}

func TestEnvelopeRoutesUserScopedPayloads(t *testing.T) {
	env := NewEnvelope(TopicBalanceChanged, BalanceChanged{UserID: 42, Balance: decimal.NewFromInt(3)})
	assert.Equal(t, uint64(42), env.UserID)

	env = NewEnvelope(TopicAlertCustodyLow, Alert{Message: "low"})
	assert.Zero(t, env.UserID)
}

func TestLogPublisherNeverFails(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	p := NewLogPublisher(log)
	assert.NoError(t, p.Publish(context.Background(), TopicAlertInconsistency, Alert{Message: "x"}))
	assert.True(t, IsAlert(TopicAlertInconsistency))
	assert.False(t, IsAlert(TopicDepositCredited))
}
