package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

// scriptedService rejects a set number of notifications before acking.
type scriptedService struct {
	rejections int
	calls      int
}

func (s *scriptedService) HandleNotification(ctx context.Context, payload []byte, ack imagepipeline.AckHandle) error {
	s.calls++
	if s.rejections > 0 {
		s.rejections--
		if err := ack.Reject(ctx); err != nil {
			return err
		}
		return errors.New("transient failure")
	}
	return ack.Ack(ctx)
}

func (s *scriptedService) ProcessPendingJobs(ctx context.Context, bucket string, canonicalID uuid.UUID) error {
	return nil
}

func (s *scriptedService) RegisterUpload(ctx context.Context, bucket string, userID uuid.UUID, fileNames []string) ([]imagepipeline.RegisteredUpload, error) {
	return nil, nil
}

type recordingCommitter struct {
	committed []kafka.Message
}

func (c *recordingCommitter) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.committed = append(c.committed, msgs...)
	return nil
}

func newTestConsumer(service imagepipeline.Service) *Consumer {
	return &Consumer{
		service:    service,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryDelay: time.Millisecond,
	}
}

func TestProcessMessageCommitsOnAck(t *testing.T) {
	service := &scriptedService{}
	consumer := newTestConsumer(service)
	commit := &recordingCommitter{}
	msg := kafka.Message{Topic: "events", Partition: 0, Offset: 42, Value: []byte(`{}`)}

	consumer.processMessage(context.Background(), commit, msg)

	assert.Equal(t, 1, service.calls)
	require.Len(t, commit.committed, 1)
	assert.Equal(t, int64(42), commit.committed[0].Offset)
}

func TestProcessMessageRetriesRejectedInPlace(t *testing.T) {
	// A rejected message must be re-handled before anything later on the
	// partition is committed; otherwise a later ack would advance the group
	// offset past it and it would never be redelivered.
	service := &scriptedService{rejections: 2}
	consumer := newTestConsumer(service)
	commit := &recordingCommitter{}
	msg := kafka.Message{Topic: "events", Partition: 1, Offset: 7, Value: []byte(`{}`)}

	consumer.processMessage(context.Background(), commit, msg)

	assert.Equal(t, 3, service.calls)
	require.Len(t, commit.committed, 1)
	assert.Equal(t, int64(7), commit.committed[0].Offset)
}

func TestProcessMessageStopsOnContextCancel(t *testing.T) {
	// Rejects forever; cancellation must end the retry loop without a commit
	// so the message stays pending for the next consumer.
	service := &scriptedService{rejections: 1 << 30}
	consumer := newTestConsumer(service)
	commit := &recordingCommitter{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		consumer.processMessage(ctx, commit, kafka.Message{Value: []byte(`{}`)})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processMessage kept retrying after cancellation")
	}
	assert.Empty(t, commit.committed)
}
