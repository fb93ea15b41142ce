package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

// DefaultChannel задаёт канал Redis, через который экземпляры обмениваются событиями.
const DefaultChannel = "marketplace:push"

// RedisBroker рассылает события всем экземплярам сервиса через Redis pub/sub.
// Каждый экземпляр доставляет полученное событие своим локальным сессиям.
type RedisBroker struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRedisBroker подключается к Redis по URL.
func NewRedisBroker(redisURL string, hub *Hub, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.DialTimeout = 500 * time.Millisecond

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBroker{
		client:  client,
		channel: DefaultChannel,
		hub:     hub,
		logger:  logger,
	}, nil
}

// Publish отправляет событие в общий канал.
func (b *RedisBroker) Publish(ctx context.Context, ev model.PushEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal push event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run подписывается на канал и доставляет события в локальный хаб до отмены ctx.
func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.PushEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("unmarshal push event from redis", zap.Error(err))
				continue
			}
			b.hub.Deliver(ev)
		}
	}
}

// Close закрывает клиент Redis.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
