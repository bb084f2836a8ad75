package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/salary-advance/advance"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// stalledWriter blocks every write until release is closed, like a broker
// that stopped acknowledging.
type stalledWriter struct {
	fakeWriter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{started: make(chan struct{}), release: make(chan struct{})}
}

func (w *stalledWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.once.Do(func() { close(w.started) })
	<-w.release
	return w.fakeWriter.WriteMessages(ctx, msgs...)
}

func approvedEvent() advance.Event {
	return advance.Event{
		ID:          "5b2c1c8e-0000-4000-8000-000000000001",
		Type:        advance.EventApproved,
		RequestID:   17,
		RequesterID: "alice",
		PolicyType:  advance.PolicyAnnualOnce,
		Amount:      decimal.RequireFromString("7500.00"),
		Status:      advance.StatusApproved,
		ActorID:     "maria",
		Note:        "approved",
		At:          time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublish_WritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, DefaultTopic, nil, 8)

	require.NoError(t, p.Publish(context.Background(), approvedEvent()))
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "alice", string(msg.Key))
	assert.Equal(t, "request.approved", HeaderValue(msg.Headers, "event_type"))
	assert.Equal(t, "5b2c1c8e-0000-4000-8000-000000000001", HeaderValue(msg.Headers, "event_id"))

	var body Payload
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, int64(17), body.RequestID)
	assert.Equal(t, "7500", body.Amount)
	assert.Equal(t, "approved", body.Status)
	assert.Equal(t, "maria", body.ActorID)
	assert.True(t, body.OccurredAt.Equal(approvedEvent().At))
}

func TestPublish_LogsWriterError(t *testing.T) {
	// GIVEN: a broker that refuses writes
	core, logs := observer.New(zap.WarnLevel)
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newKafkaPublisher(w, DefaultTopic, zap.New(core), 8)

	// WHEN: publishing and draining
	require.NoError(t, p.Publish(context.Background(), approvedEvent()))
	require.NoError(t, p.Close())

	// THEN: the failure is logged with the event and request
	entries := logs.FilterMessage("event publish failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "request.approved", fields["event"])
	assert.Equal(t, int64(17), fields["request_id"])
	assert.Contains(t, fields["error"], "leader not available")
}

func TestPublish_DoesNotWaitForBroker(t *testing.T) {
	// GIVEN: a writer stuck on its first message
	w := newStalledWriter()
	p := newKafkaPublisher(w, DefaultTopic, nil, 1)
	require.NoError(t, p.Publish(context.Background(), approvedEvent()))
	<-w.started

	// WHEN/THEN: the next event is queued immediately, the one after overflows
	require.NoError(t, p.Publish(context.Background(), approvedEvent()))
	err := p.Publish(context.Background(), approvedEvent())
	assert.ErrorIs(t, err, ErrQueueFull)

	// AND: closing flushes everything that was queued
	close(w.release)
	require.NoError(t, p.Close())
	assert.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
}

func TestPublish_CancelledContextStillDelivers(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, DefaultTopic, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Publish(ctx, approvedEvent()))
	require.NoError(t, p.Close())

	assert.Len(t, w.msgs, 1)
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "t", nil, 8)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Publish(context.Background(), approvedEvent()), ErrPublisherClosed)
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "", nil)
	assert.Error(t, err)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, SplitBrokers(" kafka-1:9092, ,kafka-2:9092 "))
	assert.Nil(t, SplitBrokers(""))
}
