package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler receives decoded change events. A returned error redelivers the
// message.
type Handler func(ctx context.Context, ev *ChangeEvent) error

// Consumer delivers the events of a change stream to a Handler.
type Consumer struct {
	js      jetstream.JetStream
	prefix  string
	durable string
	handler Handler
}

// NewConsumer reads the stream of prefix. An empty durable name gives an
// ephemeral consumer that starts at new events.
func NewConsumer(nc *nats.Conn, prefix, durable string, handler Handler) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "jetstream")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Consumer{js: js, prefix: prefix, durable: durable, handler: handler}, nil
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	p := &NatsPublisher{js: c.js, prefix: c.prefix}
	if err := p.EnsureStream(ctx); err != nil {
		return err
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       c.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.prefix + ".>",
	}
	if c.durable == "" {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, p.StreamName(), cfg)
	if err != nil {
		return errors.Wrap(err, "create change consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.process(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, "start change consumer")
	}
	defer cc.Stop()

	log.WithField("stream", p.StreamName()).Info("consuming change events")
	<-ctx.Done()
	return nil
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg) {
	var ev ChangeEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		log.WithError(err).Warn("malformed change event dropped")
		if err := msg.Term(); err != nil {
			log.WithError(err).Warn("failed to terminate change event")
		}
		return
	}
	fields := log.Fields{"db": ev.DB, "id": ev.ID}
	if err := c.handler(ctx, &ev); err != nil {
		log.WithError(err).WithFields(fields).Warn("change event handler failed")
		if err := msg.Nak(); err != nil {
			log.WithError(err).WithFields(fields).Warn("failed to nak change event")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		log.WithError(err).WithFields(fields).Warn("failed to ack change event")
	}
}
