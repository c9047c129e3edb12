// Package outbox persists domain events alongside state changes and ships
// them to Kafka from a background publisher, so a booking and its event
// cannot diverge.
//
// Schema:
//
//	CREATE TABLE outbox_events (
//	    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    topic        TEXT NOT NULL,
//	    key          TEXT NOT NULL,
//	    payload      JSONB NOT NULL,
//	    headers      JSONB NOT NULL DEFAULT '{}',
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    published_at TIMESTAMPTZ
//	);
//	CREATE INDEX outbox_events_unpublished ON outbox_events (created_at) WHERE published_at IS NULL;
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/avdeluca/agentcal/libs/db"
)

// Event topics emitted by the availability service.
const (
	TopicAppointmentBooked      = "calendar.appointment.booked.v1"
	TopicAppointmentRescheduled = "calendar.appointment.rescheduled.v1"
	TopicAppointmentCancelled   = "calendar.appointment.cancelled.v1"
)

type Event struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	CreatedAt time.Time
}

// Execer lets Insert run against a pool or an open transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert queues one event. Key is the Kafka partition key, normally the
// connection id so all events for one calendar stay ordered.
func (r *Repository) Insert(ctx context.Context, exec Execer, topic, key string, payload any, headers map[string]string) error {
	if exec == nil {
		exec = r.pool
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox insert: marshal payload: %w", err)
	}
	hdrs, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("outbox insert: marshal headers: %w", err)
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO outbox_events (topic, key, payload, headers) VALUES ($1, $2, $3, $4)`,
		topic, key, body, hdrs,
	)
	if err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}

// ClaimBatch locks up to limit unpublished events inside tx. Rows stay
// locked until the publisher commits, so concurrent publishers skip them.
func (r *Repository) ClaimBatch(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, key, payload, headers, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var hdrs []byte
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &hdrs, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox claim: %w", err)
		}
		if len(hdrs) > 0 {
			if err := json.Unmarshal(hdrs, &ev.Headers); err != nil {
				return nil, fmt.Errorf("outbox claim: headers: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkPublished stamps the claimed events inside the same transaction.
func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	return nil
}
