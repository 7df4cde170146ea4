package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Log writes each event as a structured log line. Used when no broker is
// configured.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		l.log.WithFields(logrus.Fields{
			"event_id":    e.ID.String(),
			"event_type":  e.Type,
			"contract_id": e.ContractID,
		}).Info("event published")
	}
	return nil
}

func (l *Log) Close() error { return nil }
