package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/avdeluca/agentcal/libs/db"
	"github.com/avdeluca/agentcal/libs/kafkax"
)

// Writer is the kafka-go surface the publisher needs; *kafka.Writer
// satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher drains the outbox on an interval. Claim, write, stamp, commit:
// a crash between write and commit re-delivers, so consumers must dedupe on
// event_id.
type Publisher struct {
	pool     *db.Pool
	repo     *Repository
	writer   Writer
	log      *slog.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(pool *db.Pool, repo *Repository, writer Writer, log *slog.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{pool: pool, repo: repo, writer: writer, log: log, interval: interval, batch: batch}
}

// Run loops until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("outbox publish pass failed", "error", err)
			}
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	events, err := p.repo.ClaimBatch(ctx, tx, p.batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		headers := []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Topic)},
		}
		for k, v := range ev.Headers {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		headers = kafkax.InjectTraceHeaders(ctx, headers)
		msgs = append(msgs, kafka.Message{
			Topic:   ev.Topic,
			Key:     []byte(ev.Key),
			Value:   ev.Payload,
			Headers: headers,
		})
		ids = append(ids, ev.ID)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.log.Debug("outbox batch published", "count", len(ids))
	return nil
}
