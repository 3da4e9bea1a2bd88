// Package queue adapts a Kafka topic to the pipeline's at-least-once
// notification contract.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

const defaultRetryDelay = 5 * time.Second

// Consumer fetches notifications from a Kafka topic and hands each one to
// the pipeline with an acknowledgment handle. Offsets are committed only on
// Ack. A rejected message is redelivered in place: the consumer re-handles
// it, with a delay, before fetching anything further from the partition.
// Committing any later offset would advance the consumer group past the
// rejected message, so the partition stays parked on it until it is handled
// or the process stops; a crash or rebalance mid-retry redelivers it from
// the uncommitted offset.
type Consumer struct {
	reader     *kafka.Reader
	service    imagepipeline.Service
	logger     *slog.Logger
	retryDelay time.Duration
}

// Config for the Kafka consumer.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// RetryDelay is the pause before a rejected notification is re-handled.
	// Defaults to 5s.
	RetryDelay time.Duration
}

// NewConsumer creates a consumer for the given topic and consumer group.
func NewConsumer(cfg Config, service imagepipeline.Service, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Consumer{
		reader:     reader,
		service:    service,
		logger:     logger,
		retryDelay: retryDelay,
	}
}

// Run consumes until the context is canceled. Each message is handled by a
// single sequential call; the pipeline invokes exactly one of the handle's
// Ack or Reject.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.logger.Error("error fetching message", "error", err)
			continue
		}
		c.processMessage(ctx, c.reader, msg)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// committer commits consumed offsets. Satisfied by kafka.Reader.
type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// processMessage hands one message to the pipeline, re-handling it after a
// delay for as long as the pipeline rejects it. Returning without a commit
// leaves the group offset before the message, so redelivery survives
// restarts and rebalances.
func (c *Consumer) processMessage(ctx context.Context, commit committer, msg kafka.Message) {
	for {
		handle := &kafkaAck{committer: commit, msg: msg}
		if err := c.service.HandleNotification(ctx, msg.Value, handle); err != nil {
			c.logger.Warn("notification handling finished with error",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
		if !handle.rejected {
			return
		}
		c.logger.Info("notification rejected, re-handling in place",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"delay", c.retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

// kafkaAck implements imagepipeline.AckHandle over a fetched Kafka message.
type kafkaAck struct {
	committer committer
	msg       kafka.Message
	rejected  bool
}

func (a *kafkaAck) Ack(ctx context.Context) error {
	return a.committer.CommitMessages(ctx, a.msg)
}

// Reject leaves the offset uncommitted and marks the message for in-place
// redelivery.
func (a *kafkaAck) Reject(ctx context.Context) error {
	a.rejected = true
	return nil
}
