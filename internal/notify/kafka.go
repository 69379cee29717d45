// Package notify publishes per-symbol run outcomes to downstream consumers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each SymbolOutcome as a JSON message keyed by symbol, so every
// outcome of a symbol lands on the same partition.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher from configuration.
func NewKafkaPublisher(cfg config.PublisherConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("publisher needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("publisher needs a topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Zstd,
	}
	return NewKafkaPublisherWithWriter(writer, config.MustDuration(cfg.WriteTimeout, 5*time.Second), logger), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(writer MessageWriter, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer:  writer,
		timeout: timeout,
		logger:  logger.With("component", "publisher"),
	}
}

// Publish writes one outcome and waits for the broker to acknowledge it.
func (p *KafkaPublisher) Publish(ctx context.Context, outcome *models.SymbolOutcome) error {
	payload, err := sonic.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome for %s: %w", outcome.Symbol, err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(outcome.Symbol),
		Value: payload,
		Time:  outcome.FinishedAt,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(outcome.RunID)},
			{Key: "state", Value: []byte(outcome.State)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish outcome for %s: %w", outcome.Symbol, err)
	}

	p.logger.Debug("outcome published", "symbol", outcome.Symbol, "state", outcome.State, "run_id", outcome.RunID)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs outcomes instead of sending them anywhere.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, outcome *models.SymbolOutcome) error {
	p.logger.Debug("outcome", "symbol", outcome.Symbol, "state", outcome.State, "reason", outcome.Reason)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
