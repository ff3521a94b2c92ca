package bus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled" yaml:"enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"addr"`
	Group    string `mapstructure:"redis-group" yaml:"group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "gridfeed-server",
		Consumer: "server-1",
	}
}

// BuildRedisPubSub constructs a Redis Streams publisher and a subscriber bound to the
// settings' consumer group.
func BuildRedisPubSub(s Settings, logger zerolog.Logger) (message.Publisher, message.Subscriber, error) {
	if !s.Enabled {
		return nil, nil, errors.New("redis transport is disabled")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	wlogger := NewWatermillLogger(logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlogger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wlogger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, errors.Wrap(err, "redis subscriber")
	}
	return pub, sub, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if it doesn't
// exist, so a fresh group does not replay old requests.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
