package failsafe

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	subject      = "approvals.audit.failsafe"
	consumerName = "approvals-failsafe-replay"
	fetchBatch   = 50
)

// JetStreamQueue keeps records in a work-queue stream with file storage.
type JetStreamQueue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewJetStreamQueue creates or updates the stream.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, streamName string) (*JetStreamQueue, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create failsafe stream: %w", err)
	}
	return &JetStreamQueue{js: js, stream: stream}, nil
}

// Enqueue publishes rec and waits for the stream ack.
func (q *JetStreamQueue) Enqueue(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failsafe record: %w", err)
	}
	if _, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(rec.ID)); err != nil {
		return fmt.Errorf("publish failsafe record: %w", err)
	}
	return nil
}

// Drain fetches batches until the stream is empty. Accepted records are
// acked and leave the stream; a rejected record is nak'd and stops the drain.
func (q *JetStreamQueue) Drain(ctx context.Context, fn Handler) (int, error) {
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   consumerName,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return 0, fmt.Errorf("create failsafe consumer: %w", err)
	}

	drained := 0
	for {
		batch, err := cons.Fetch(fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return drained, fmt.Errorf("fetch failsafe records: %w", err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			var rec Record
			if err := json.Unmarshal(msg.Data(), &rec); err != nil {
				_ = msg.Term()
				return drained, fmt.Errorf("corrupt failsafe record: %w", err)
			}
			if err := fn(ctx, rec); err != nil {
				_ = msg.Nak()
				return drained, err
			}
			if err := msg.Ack(); err != nil {
				return drained, fmt.Errorf("ack failsafe record %s: %w", rec.ID, err)
			}
			drained++
		}
		if n == 0 {
			return drained, nil
		}
		if err := batch.Error(); err != nil && !stderrors.Is(err, context.DeadlineExceeded) {
			return drained, fmt.Errorf("fetch failsafe records: %w", err)
		}
	}
}
