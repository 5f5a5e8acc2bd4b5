package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/corpcms/pkg/repo"
)

type Publisher interface {
	Enqueue(ctx context.Context, tx repo.Tx, msg Message) (sequence int64, err error)
}

type publisher struct {
	table pgx.Identifier
	m     *metrics
}

// NewPublisher writes messages into table. Callers pass the transaction
// that carries the business change so both commit together.
func NewPublisher(table pgx.Identifier) Publisher {
	return &publisher{table: table, m: getMetrics()}
}

func (p *publisher) Enqueue(ctx context.Context, tx repo.Tx, msg Message) (int64, error) {
	switch {
	case len(p.table) == 0:
		return 0, invalidConfig("table is required")
	case msg.EventID == uuid.Nil:
		return 0, invalidMessage("event_id is required")
	case msg.Topic == "":
		return 0, invalidMessage("topic is required")
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (topic, key, payload, event_id, available_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
		 RETURNING sequence`,
		p.table.Sanitize(),
	)
	var sequence int64
	if err := tx.QueryRow(ctx, q, msg.Topic, msg.Key, []byte(msg.Payload), msg.EventID).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("outbox enqueue: %w", err)
	}
	p.m.enqueueTotal.WithLabelValues(TableLabel(p.table), msg.Topic).Inc()
	return sequence, nil
}
