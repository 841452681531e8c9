package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestKafkaDispatcher_SendsResolvedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt OpResolvedEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.SessionID != "s1" || evt.OperationID != "op2" || evt.EventType != EventTypeOpResolved {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "session-ops", NewSemaphoreControlWithLimit(2), KafkaDispatcherOptions{
		QueueSize: 4,
		Workers:   1,
	}, nil)

	op := Operation{ID: "op2", Type: OpTypeInput, Timestamp: "2024-01-01T00:00:02", SenderID: "u2"}
	require.NoError(t, d.Enqueue(context.Background(), NewOpResolvedEvent("s1", op, time.Now())))
	d.Close()
	require.NoError(t, producer.Close())
	assert.Equal(t, DispatcherStats{Sent: 1}, d.Stats())
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "session-ops", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil)

	require.NoError(t, d.Enqueue(context.Background(), OpResolvedEvent{SessionID: "s1", OperationID: "op1"}))
	d.Close()
	require.NoError(t, producer.Close())
	assert.Equal(t, DispatcherStats{Sent: 1}, d.Stats())
}

func TestKafkaDispatcher_DropsAfterRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "session-ops", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
	}, nil)

	require.NoError(t, d.Enqueue(context.Background(), OpResolvedEvent{SessionID: "s1", OperationID: "op1"}))
	d.Close()
	require.NoError(t, producer.Close())
	assert.Equal(t, DispatcherStats{Dropped: 1}, d.Stats())
}

func TestKafkaDispatcher_CloseAbortsBackoff(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "session-ops", nil, KafkaDispatcherOptions{
		QueueSize:    1,
		MaxRetry:     5,
		BaseBackoff:  time.Minute,
		DrainTimeout: 20 * time.Millisecond,
	}, nil)

	require.NoError(t, d.Enqueue(context.Background(), OpResolvedEvent{SessionID: "s1", OperationID: "op1"}))
	start := time.Now()
	d.Close()
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, producer.Close())
	assert.Equal(t, DispatcherStats{Dropped: 1}, d.Stats())
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1}, nil)
	d.Close()
	err := d.Enqueue(context.Background(), OpResolvedEvent{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	// 重复 Close 不会 panic
	d.Close()
}

func TestSemaphoreControl_AcquireTimeout(t *testing.T) {
	sem := NewSemaphoreControlWithLimit(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrNotAcquired)
}
