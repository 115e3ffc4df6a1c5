// Package notify publishes committed audit events to NATS JetStream for
// downstream consumers (payout, dashboards, the advisory risk scorer).
// Publishing is best effort and happens only after the database commit:
// a failed publish never affects challenge state, and consumers that need
// a complete view can replay the audit log directly.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/observability"
)

const (
	// EventStreamName holds outbound challenge events.
	EventStreamName = "CHALLENGE_EVENTS"
	// eventSubjects is the outbound subject space:
	// challenge.events.{kind}.{challenge_id}.
	eventSubjects = "challenge.events.>"
)

// eventJSON is the outbound wire format of one committed audit event.
type eventJSON struct {
	EventID     string          `json:"event_id"`
	ChallengeID string          `json:"challenge_id"`
	Sequence    int64           `json:"sequence"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `json:"occurred_at"`
	RecordedAt  time.Time       `json:"recorded_at"`
	StateHash   []byte          `json:"state_hash"`
	PrevHash    []byte          `json:"prev_hash"`
}

// Publisher drains committed events from a channel and publishes them.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan audit.Event
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, input <-chan audit.Event, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, input: input, log: log, metrics: metrics}
}

// Run starts the publish loop. Returns when the input channel closes or
// the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.input:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: the audit log is the source of truth and
				// consumers can replay it.
				if p.metrics != nil {
					p.metrics.PublishFailures.Inc()
				}
				p.log.Warn().
					Str("challenge_id", evt.ChallengeID.String()).
					Int64("seq", evt.Sequence).
					Err(err).
					Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt audit.Event) error {
	data, err := json.Marshal(eventJSON{
		EventID:     evt.ID.String(),
		ChallengeID: evt.ChallengeID.String(),
		Sequence:    evt.Sequence,
		Kind:        evt.Kind.String(),
		Payload:     evt.Payload,
		Description: evt.Description,
		OccurredAt:  evt.OccurredAt,
		RecordedAt:  evt.RecordedAt,
		StateHash:   evt.StateHash[:],
		PrevHash:    evt.PrevHash[:],
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("challenge.events.%s.%s", evt.Kind, evt.ChallengeID)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureEventStream creates or updates the outbound events stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStreamName,
		Subjects:  []string{eventSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
