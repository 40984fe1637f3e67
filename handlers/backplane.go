package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
)

// DefaultBackplaneChannel is the redis channel every broker instance shares
const DefaultBackplaneChannel = "chatsync:broker"

type backplaneMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func encodeBackplane(topic string, payload []byte) ([]byte, error) {
	return json.Marshal(backplaneMessage{Topic: topic, Payload: payload})
}

func decodeBackplane(data []byte) (string, []byte, error) {
	var m backplaneMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if m.Topic == "" {
		return "", nil, fmt.Errorf("backplane message without topic")
	}
	return m.Topic, m.Payload, nil
}

// RedisBackplane fans publishes out across broker instances with redis pub/sub
type RedisBackplane struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBackplane(rdb *redis.Client, channel string, logger *zap.Logger) *RedisBackplane {
	if channel == "" {
		channel = DefaultBackplaneChannel
	}
	return &RedisBackplane{rdb: rdb, channel: channel, log: logging.OrNop(logger).Named("backplane")}
}

func (b *RedisBackplane) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encodeBackplane(topic, payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the shared channel and hands every message to deliver
// until ctx ends
func (b *RedisBackplane) Run(ctx context.Context, deliver func(ctx context.Context, topic string, payload []byte) error) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("backplane subscribed", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			topic, payload, err := decodeBackplane([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping malformed backplane message", zap.Error(err))
				continue
			}
			if err := deliver(ctx, topic, payload); err != nil {
				b.log.Warn("backplane delivery failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}
