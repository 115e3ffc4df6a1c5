// Package ingestion receives trade submissions from NATS JetStream,
// validates their wire format, and hands them to the engine loop. The
// stream is the high-throughput ingestion surface; redelivery on NAK plus
// the engine's idempotent replay makes at-least-once delivery safe.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// TradeStreamName holds inbound trade submissions.
	TradeStreamName = "CHALLENGE_TRADES"
	// TradeSubjects is the inbound subject space. Producers publish to
	// challenge.trades.{challenge_id}.
	TradeSubjects = "challenge.trades.>"
	// tradeConsumerName is the durable consumer shared by engine instances.
	tradeConsumerName = "challenge-engine-trades"
)

// RawSubmission is a trade submission as received from the stream, not yet
// parsed. Ack and Nak settle the underlying message: Ack after the engine
// returned a business outcome, Nak when processing must be retried.
type RawSubmission struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	Ack        func()
	Nak        func()
}

// Subscriber feeds raw submissions from JetStream into the engine loop.
type Subscriber struct {
	js          jetstream.JetStream
	submissions chan<- RawSubmission
	consumers   []jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, submissions chan<- RawSubmission) *Subscriber {
	return &Subscriber{js: js, submissions: submissions}
}

// Subscribe creates the durable consumer and starts delivery. Explicit
// ACK, bounded redelivery: a submission that cannot be processed after
// MaxDeliver attempts parks in the stream for operator inspection.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, TradeStreamName, jetstream.ConsumerConfig{
		Durable:       tradeConsumerName,
		FilterSubject: TradeSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", tradeConsumerName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawSubmission{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
			Ack:        func() { msg.Ack() },
			Nak:        func() { msg.Nak() },
		}

		select {
		case s.submissions <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", tradeConsumerName, err)
	}

	s.consumers = append(s.consumers, consumeCtx)
	return nil
}

// Stop halts delivery. In-flight messages that were not acked will be
// redelivered after AckWait.
func (s *Subscriber) Stop() {
	for _, c := range s.consumers {
		c.Stop()
	}
	s.consumers = nil
}

// ConnectNATS opens a reconnecting NATS connection with JetStream.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureTradeStream creates or updates the inbound trade stream.
func EnsureTradeStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      TradeStreamName,
		Subjects:  []string{TradeSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create trade stream: %w", err)
	}
	return nil
}
