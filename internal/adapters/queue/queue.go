// Package queue implements port.TaskQueue on watermill, either over NATS JetStream or over an
// in-process go channel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

const DefaultTopic = "style_tasks"

var ErrClosed = errors.New("queue closed")

type BreakerConfig struct {
	// FailureThreshold is the number of consecutive publish failures that open the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second}
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[any] {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("queue circuit breaker changed state")
		},
	})
}

// Queue moves task messages over a watermill publisher and subscriber pair.
type Queue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	breaker    *gobreaker.CircuitBreaker[any]
	// shared is set when publisher and subscriber are the same pub/sub
	shared bool

	mu     sync.RWMutex
	closed bool
}

func newQueue(pub message.Publisher, sub message.Subscriber, topic string, breaker BreakerConfig) *Queue {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Queue{
		publisher:  pub,
		subscriber: sub,
		topic:      topic,
		breaker:    newBreaker("queue-"+topic, breaker),
	}
}

// NewMemory returns a queue on a persistent go channel pub/sub. Messages published before a
// consumer subscribes are kept and delivered once it does. Nothing survives a restart.
func NewMemory(logger watermill.LoggerAdapter, breaker BreakerConfig) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 0,
		Persistent:          true,
	}, logger)

	q := newQueue(pubSub, pubSub, DefaultTopic, breaker)
	q.shared = true

	return q
}

// Publish sends msg to the task topic. The task ID doubles as the message UUID, which JetStream
// uses to drop duplicate publishes.
func (q *Queue) Publish(ctx context.Context, msg domain.TaskMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}

	m := message.NewMessage(msg.ID, payload)
	m.Metadata.Set("algorithm", string(msg.Algorithm))
	m.SetContext(ctx)

	_, err = q.breaker.Execute(func() (any, error) {
		return nil, q.publisher.Publish(q.topic, m)
	})
	if err != nil {
		return fmt.Errorf("publish task %s: %w", msg.ID, err)
	}

	return nil
}

// Consume subscribes to the task topic. Messages that cannot be decoded are logged and acked so
// they do not block the topic.
func (q *Queue) Consume(ctx context.Context) (<-chan port.Delivery, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	messages, err := q.subscriber.Subscribe(ctx, q.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", q.topic, err)
	}

	out := make(chan port.Delivery)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					return
				}

				var tm domain.TaskMessage
				if err := json.Unmarshal(m.Payload, &tm); err != nil || tm.ID == "" {
					log.Error().Err(err).Str("messageId", m.UUID).Msg("dropping undecodable task message")
					m.Ack()
					continue
				}

				d := port.Delivery{
					Message: tm,
					Ack:     func() { m.Ack() },
					Nack:    func() { m.Nack() },
				}

				select {
				case out <- d:
				case <-ctx.Done():
					m.Nack()
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	errs := []error{q.publisher.Close()}
	if !q.shared {
		errs = append(errs, q.subscriber.Close())
	}

	return errors.Join(errs...)
}
