package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/pkg/eventbus"
	"github.com/iota-uz/corpcms/pkg/outbox"
	dispatcher "github.com/iota-uz/corpcms/pkg/outbox/dispatchers/eventbus"
)

func TestDriftHandler_ThroughDispatcher(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	bus := eventbus.New(logger)
	NewDriftHandler(logrus.NewEntry(logger)).Register(bus)

	notice := services.DriftNotice{
		EntryID:            uuid.New(),
		Kind:               permref.KindWikiFolder,
		EntityID:           uuid.New(),
		EntityName:         "Policies",
		InvalidDepartments: []services.InvalidDepartment{{ID: "d7"}},
	}
	payload, err := json.Marshal(notice)
	require.NoError(t, err)

	err = dispatcher.New(bus).Dispatch(context.Background(), outbox.DispatchedMessage{
		Meta:    outbox.Meta{Topic: services.TopicDriftDetected, EventID: notice.EntryID},
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Policies")
	assert.Contains(t, buf.String(), `"channel":"admin"`)
}

func TestDriftHandler_IgnoresOtherTopicsAndBadPayloads(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	h := NewDriftHandler(logrus.NewEntry(logger))

	require.NoError(t, h.Handle(context.Background(), &outbox.Meta{Topic: "other"}, json.RawMessage(`{}`)))
	assert.Empty(t, buf.String())

	require.NoError(t, h.Handle(context.Background(), &outbox.Meta{Topic: services.TopicDriftDetected}, json.RawMessage(`nope`)))
	assert.Contains(t, buf.String(), "malformed")
}
