package queue

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL   string
	Topic string
	// QueueGroup makes several processes share the topic instead of each getting every task.
	QueueGroup    string
	DurableName   string
	AckWait       time.Duration
	MaxDeliver    int
	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
	Breaker       BreakerConfig
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Topic:         DefaultTopic,
		QueueGroup:    "nstbot-workers",
		DurableName:   "nstbot",
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		CloseTimeout:  10 * time.Second,
		Breaker:       DefaultBreakerConfig(),
	}
}

func connectOptions(cfg NATSConfig, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// NewNATS returns a queue on a JetStream stream named after the topic. The stream is created
// when missing. Tasks are acked as soon as a worker starts them, so the ack wait only has to
// cover the time until a worker is free.
func NewNATS(cfg NATSConfig, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	natsOpts := connectOptions(cfg, logger)

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create task publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.MaxDeliver),
				natsgo.AckWait(cfg.AckWait),
				natsgo.DeliverAll(),
			},
			DurablePrefix: cfg.DurableName,
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create task subscriber: %w", err)
	}

	return newQueue(pub, sub, cfg.Topic, cfg.Breaker), nil
}
