// Package storage reads calendar connections and office hours from Postgres.
//
// Schema:
//
//	CREATE TABLE calendar_connections (
//	    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    agent_id    TEXT NOT NULL,
//	    client_id   TEXT NOT NULL,
//	    provider    TEXT NOT NULL,
//	    calendar_id TEXT NOT NULL,
//	    timezone    TEXT NOT NULL,
//	    is_active   BOOLEAN NOT NULL DEFAULT TRUE,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (agent_id, client_id)
//	);
//
//	CREATE TABLE office_hours (
//	    connection_id UUID NOT NULL REFERENCES calendar_connections(id) ON DELETE CASCADE,
//	    weekday       SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
//	    start_minute  SMALLINT NOT NULL,
//	    end_minute    SMALLINT NOT NULL,
//	    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
//	    PRIMARY KEY (connection_id, weekday)
//	);
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/avdeluca/agentcal/libs/db"
	"github.com/avdeluca/agentcal/services/availability-service/internal/model"
)

var (
	ErrConnectionNotFound  = errors.New("calendar connection not found")
	ErrOfficeHoursNotFound = errors.New("office hours not configured")
)

type Store struct {
	pool *db.Pool
}

func New(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// GetConnectionByAgent resolves the active connection for an agent/client
// pair.
func (s *Store) GetConnectionByAgent(ctx context.Context, agentID, clientID string) (model.Connection, error) {
	const q = `
		SELECT id, agent_id, client_id, provider, calendar_id, timezone, is_active, created_at
		FROM calendar_connections
		WHERE agent_id = $1 AND client_id = $2 AND is_active`

	var c model.Connection
	err := s.pool.QueryRow(ctx, q, agentID, clientID).Scan(
		&c.ID, &c.AgentID, &c.ClientID, &c.Provider, &c.CalendarID, &c.Timezone, &c.IsActive, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

// GetConnection loads a connection by id, active or not; the consumer needs
// it to invalidate caches for connections that were just deactivated.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (model.Connection, error) {
	const q = `
		SELECT id, agent_id, client_id, provider, calendar_id, timezone, is_active, created_at
		FROM calendar_connections
		WHERE id = $1`

	var c model.Connection
	err := s.pool.QueryRow(ctx, q, connectionID).Scan(
		&c.ID, &c.AgentID, &c.ClientID, &c.Provider, &c.CalendarID, &c.Timezone, &c.IsActive, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, ErrConnectionNotFound
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

// GetOfficeHours loads the weekly business windows for a connection. Rows
// store minutes since midnight; callers get "HH:MM" wall-clock literals.
func (s *Store) GetOfficeHours(ctx context.Context, connectionID string) (model.OfficeHours, error) {
	const q = `
		SELECT weekday, start_minute, end_minute, enabled
		FROM office_hours
		WHERE connection_id = $1
		ORDER BY weekday`

	rows, err := s.pool.Query(ctx, q, connectionID)
	if err != nil {
		return nil, fmt.Errorf("get office hours: %w", err)
	}
	defer rows.Close()

	hours := model.OfficeHours{}
	for rows.Next() {
		var weekday, startMin, endMin int
		var enabled bool
		if err := rows.Scan(&weekday, &startMin, &endMin, &enabled); err != nil {
			return nil, fmt.Errorf("get office hours: %w", err)
		}
		hours[model.WeekdayName(time.Weekday(weekday))] = model.DayHours{
			Start:   minutesToClock(startMin),
			End:     minutesToClock(endMin),
			Enabled: enabled,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get office hours: %w", err)
	}
	if len(hours) == 0 {
		return nil, ErrOfficeHoursNotFound
	}
	return hours, nil
}

func minutesToClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
