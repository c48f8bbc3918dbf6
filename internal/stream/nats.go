package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/saporito/orderdeck/pkg/event"
)

// NATSSourceConfig configures a NATSSource instance.
type NATSSourceConfig struct {
	URL          string        // NATS server URL
	StreamName   string        // JetStream stream name (e.g. "ORDER_EVENTS")
	Topic        string        // Subject pattern; defaults to the orders lifecycle topic
	ConsumerName string        // Durable consumer name for this view
	MaxAge       time.Duration // How long the stream retains events
}

// NATSSource delivers order lifecycle events from a JetStream subject
// into the same dispatch path as the SSE channel. Deployments where the
// backend publishes its order events to a broker as well as to the
// browser-facing stream can run the views off the broker instead;
// reconnection and redelivery are JetStream's problem rather than ours.
type NATSSource struct {
	cfg        NATSSourceConfig
	dispatcher *Dispatcher
	logger     aqm.Logger

	conn     *nats.Conn
	consumer jetstream.Consumer
	consume  jetstream.ConsumeContext
}

func NewNATSSource(cfg NATSSourceConfig, dispatcher *Dispatcher, logger aqm.Logger) *NATSSource {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if cfg.Topic == "" {
		cfg.Topic = event.OrdersTopic
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &NATSSource{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start connects, ensures the stream and a durable consumer exist, and
// begins feeding messages to the dispatcher.
func (s *NATSSource) Start(ctx context.Context) error {
	conn, err := nats.Connect(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	str, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     s.cfg.StreamName,
		Subjects: []string{s.cfg.Topic},
		MaxAge:   s.cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create/update stream %s: %w", s.cfg.StreamName, err)
	}

	consumer, err := str.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          s.cfg.ConsumerName,
		Durable:       s.cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		FilterSubject: s.cfg.Topic,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create/update consumer %s: %w", s.cfg.ConsumerName, err)
	}
	s.consumer = consumer

	handler := s.dispatcher.Handler()
	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(context.Background(), msg.Data()); err != nil {
			s.logger.Error("failed to handle order event", "error", err)
			return
		}
		msg.Ack()
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	s.consume = consume

	s.logger.Info("NATS order event source started", "stream", s.cfg.StreamName, "topic", s.cfg.Topic)
	return nil
}

// Stop drains the consumer and closes the connection.
func (s *NATSSource) Stop(ctx context.Context) error {
	if s.consume != nil {
		s.consume.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
