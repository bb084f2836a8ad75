// Package events publishes request lifecycle events to Kafka.
//
// Messages are keyed by requester id so one requester's events stay ordered
// on a single partition. The payload is JSON; event_id and event_type are
// also carried as headers for consumers that route without decoding.
//
// Publish only enqueues. A single background loop drains the queue into the
// writer, so request handlers never wait on the broker. Close drains what is
// queued before closing the writer.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/salary-advance/advance"
)

const (
	DefaultTopic = "benefit-requests"

	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrQueueFull       = errors.New("event queue full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Payload is the JSON body of every lifecycle message.
type Payload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	RequestID   int64     `json:"request_id"`
	RequesterID string    `json:"requester_id"`
	PolicyType  string    `json:"policy_type"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	ActorID     string    `json:"actor_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type queued struct {
	event advance.Event
	msg   kafka.Message
}

// KafkaPublisher implements advance.EventPublisher.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// NewKafkaPublisher returns a publisher writing to topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    50,
		BatchTimeout: 10 * time.Millisecond,
	})
	return newKafkaPublisher(writer, topic, logger, defaultQueueSize), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger, queueSize int) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		writer:  w,
		topic:   topic,
		timeout: defaultWriteTimeout,
		logger:  logger,
		queue:   make(chan queued, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues the event and returns without waiting for the broker.
// A full queue is reported as ErrQueueFull and the event is dropped.
func (p *KafkaPublisher) Publish(_ context.Context, e advance.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- queued{event: e, msg: msg}:
		return nil
	default:
		return fmt.Errorf("publish %s for request %d: %w", e.Type, e.RequestID, ErrQueueFull)
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for q := range p.queue {
		p.write(q)
	}
}

func (p *KafkaPublisher) write(q queued) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, q.msg); err != nil {
		p.logger.Warn("event publish failed",
			zap.String("event", string(q.event.Type)),
			zap.Int64("request_id", int64(q.event.RequestID)),
			zap.Error(err),
		)
	}
}

func (p *KafkaPublisher) Topic() string { return p.topic }

// Close stops accepting events, flushes the queue and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// Message encodes an event as a Kafka message; the writer supplies the topic.
func Message(e advance.Event) (kafka.Message, error) {
	body, err := json.Marshal(Payload{
		EventID:     e.ID,
		EventType:   string(e.Type),
		RequestID:   int64(e.RequestID),
		RequesterID: string(e.RequesterID),
		PolicyType:  string(e.PolicyType),
		Amount:      e.Amount.String(),
		Status:      string(e.Status),
		ActorID:     string(e.ActorID),
		Note:        e.Note,
		OccurredAt:  e.At.UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return kafka.Message{
		Key:   []byte(e.RequesterID),
		Value: body,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}

// HeaderValue returns the value of the first header named key.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
