package stream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mintstream/mintstream/pkg/realtime"
)

func topicForConv(convID string) string { return "chat:" + convID }

// Bus publishes conversation frames to a topic per conversation and lets
// renderers subscribe to them. The in-memory backend serves a single
// process; the Redis Streams backend fans out across processes.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber
	log zerolog.Logger
}

// NewBus builds an in-process bus.
func NewBus(logger zerolog.Logger) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(logger))
	return &Bus{
		pub: ch,
		sub: ch,
		log: logger.With().Str("component", "stream_bus").Logger(),
	}
}

// RedisSettings configures the Redis Streams backend.
type RedisSettings struct {
	Addr     string
	Group    string
	Consumer string
}

// NewRedisBus builds a bus backed by Redis Streams so frames survive the
// publishing process and reach subscribers in other processes.
func NewRedisBus(s RedisSettings, logger zerolog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wmLogger := NewWatermillLogger(logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "create stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "create stream subscriber")
	}

	return &Bus{
		pub: pub,
		sub: sub,
		log: logger.With().Str("component", "stream_bus").Logger(),
	}, nil
}

// Publish sends one frame on the conversation's topic.
func (b *Bus) Publish(convID string, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pub.Publish(topicForConv(convID), msg)
}

// Subscribe returns a channel of decoded frames for one conversation. The
// channel closes when ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context, convID string) (<-chan Frame, error) {
	msgs, err := b.sub.Subscribe(ctx, topicForConv(convID))
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to conversation topic")
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		for msg := range msgs {
			var frame Frame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				b.log.Warn().Err(err).Str("message_id", msg.UUID).Msg("undecodable frame")
				msg.Ack()
				continue
			}
			select {
			case out <- frame:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down publisher and subscriber.
func (b *Bus) Close() error {
	perr := b.pub.Close()
	serr := b.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

// PublishMessage implements realtime.FrameSink.
func (b *Bus) PublishMessage(convID string, msg realtime.Message) {
	if err := b.Publish(convID, messageFrame(convID, msg)); err != nil {
		b.log.Warn().Err(err).Str("conv_id", convID).Msg("publish message frame failed")
	}
}

// PublishState implements realtime.FrameSink.
func (b *Bus) PublishState(convID string, st realtime.State) {
	if err := b.Publish(convID, stateFrame(convID, st)); err != nil {
		b.log.Warn().Err(err).Str("conv_id", convID).Msg("publish state frame failed")
	}
}

// PublishNotice implements realtime.FrameSink.
func (b *Bus) PublishNotice(convID string, n realtime.Notice) {
	if err := b.Publish(convID, noticeFrame(convID, n)); err != nil {
		b.log.Warn().Err(err).Str("conv_id", convID).Msg("publish notice frame failed")
	}
}

// PublishCredits implements realtime.FrameSink.
func (b *Bus) PublishCredits(convID string, remaining int64) {
	if err := b.Publish(convID, creditsFrame(convID, remaining)); err != nil {
		b.log.Warn().Err(err).Str("conv_id", convID).Msg("publish credits frame failed")
	}
}

var _ realtime.FrameSink = (*Bus)(nil)
