// Package consumer invalidates cached busy periods when other services (or
// provider webhooks relayed by the integration gateway) report calendar
// changes on the calendar.event.changed.v1 topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/avdeluca/agentcal/libs/kafkax"
)

const TopicCalendarEventChanged = "calendar.event.changed.v1"

// Invalidator is the slice of the engine the consumer needs.
type Invalidator interface {
	InvalidateConnection(ctx context.Context, connectionID string, dates ...string) error
}

// changedEvent is the wire payload. Empty Dates means the whole connection.
type changedEvent struct {
	ConnectionID string   `json:"connection_id"`
	Dates        []string `json:"dates,omitempty"`
	Source       string   `json:"source,omitempty"`
}

type Consumer struct {
	reader *kafka.Reader
	engine Invalidator
	log    *slog.Logger
}

func New(brokers []string, groupID string, engine Invalidator, log *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   TopicCalendarEventChanged,
	})
	return &Consumer{reader: reader, engine: engine, log: log}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// committed; invalidation is idempotent, so transient failures just leave
// the message for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		msgCtx := kafkax.ExtractTraceContext(ctx, msg)
		meta := kafkax.ExtractEventMeta(msg)

		if err := c.handle(msgCtx, msg); err != nil {
			c.log.Error("change event handling failed",
				"event_id", meta.EventID, "error", err)
			continue // no commit, redeliver
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "event_id", meta.EventID, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var ev changedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Poison messages never become valid; log and move on.
		c.log.Warn("dropping malformed change event", "error", err)
		return nil
	}
	if ev.ConnectionID == "" {
		c.log.Warn("dropping change event without connection id")
		return nil
	}

	if err := c.engine.InvalidateConnection(ctx, ev.ConnectionID, ev.Dates...); err != nil {
		return err
	}
	c.log.Debug("busy cache invalidated",
		"connection_id", ev.ConnectionID, "dates", len(ev.Dates), "source", ev.Source)
	return nil
}
