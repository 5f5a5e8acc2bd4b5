package handlers

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/pkg/eventbus"
	"github.com/iota-uz/corpcms/pkg/outbox"
)

var driftNotices = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciliation",
	Name:      "admin_notices_total",
	Help:      "Drift notices delivered to administrators by kind.",
}, []string{"kind"})

// DriftHandler receives relayed drift notices and surfaces them to
// administrators through the admin log channel.
type DriftHandler struct {
	log *logrus.Entry
}

func NewDriftHandler(log *logrus.Entry) *DriftHandler {
	return &DriftHandler{log: log.WithField("channel", "admin")}
}

// Register subscribes the handler on bus.
func (h *DriftHandler) Register(bus eventbus.EventBus) {
	bus.Subscribe(h.Handle)
}

func (h *DriftHandler) Handle(_ context.Context, meta *outbox.Meta, payload json.RawMessage) error {
	if meta.Topic != services.TopicDriftDetected {
		return nil
	}
	var notice services.DriftNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		// A malformed payload will not improve on retry.
		h.log.WithError(err).WithField("event_id", meta.EventID).Error("dropping malformed drift notice")
		return nil
	}
	ids := make([]string, len(notice.InvalidDepartments))
	for i, d := range notice.InvalidDepartments {
		ids[i] = d.ID
	}
	h.log.WithFields(logrus.Fields{
		"event_id":    meta.EventID,
		"attempts":    meta.Attempts,
		"kind":        notice.Kind,
		"entity_id":   notice.EntityID,
		"entity_name": notice.EntityName,
		"invalid":     ids,
		"detected_at": notice.DetectedAt,
	}).Warnf("%s %q references inactive departments", notice.Kind, notice.EntityName)
	driftNotices.WithLabelValues(notice.Kind.String()).Inc()
	return nil
}
