package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/corpcms/pkg/composables"
	"github.com/iota-uz/corpcms/pkg/outbox"
)

const TopicDriftDetected = "reconciliation.drift_detected"

// LogNotifier writes drift notices to the log only.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyAdmin(_ context.Context, notice DriftNotice) error {
	n.log.WithFields(logrus.Fields{
		"kind":        notice.Kind,
		"entity_id":   notice.EntityID,
		"entity_name": notice.EntityName,
		"invalid":     len(notice.InvalidDepartments),
	}).Warn("administrator attention required: stale department references")
	return nil
}

// OutboxNotifier enqueues notices into the reconciliation outbox. The relay
// delivers them to subscribers asynchronously. It uses the transaction in
// ctx when there is one, otherwise the pool.
type OutboxNotifier struct {
	publisher outbox.Publisher
}

func NewOutboxNotifier(publisher outbox.Publisher) *OutboxNotifier {
	return &OutboxNotifier{publisher: publisher}
}

func (n *OutboxNotifier) Transactional() bool { return true }

func (n *OutboxNotifier) NotifyAdmin(ctx context.Context, notice DriftNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal drift notice: %w", err)
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = n.publisher.Enqueue(ctx, tx, outbox.Message{
		Topic:   TopicDriftDetected,
		Key:     fmt.Sprintf("%s:%s", notice.Kind, notice.EntityID),
		EventID: notice.EntryID,
		Payload: payload,
	})
	return err
}
