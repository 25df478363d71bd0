package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier реализует шину уведомлений поверх Redis Pub/Sub.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier создаёт шину уведомлений с подключением к Redis по указанному адресу.
func NewRedisNotifier(ctx context.Context, addr string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisNotifier{client: client}, nil
}

// Publish рассылает уведомление в канал владельца заказа и в канал персонала.
// Ошибка публикации не критична для вызывающего: уведомления best-effort.
func (n *RedisNotifier) Publish(ctx context.Context, customerID int64, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := n.client.Publish(ctx, CustomerTopic(customerID), payload).Err(); err != nil {
		return fmt.Errorf("publish to customer topic: %w", err)
	}

	if err := n.client.Publish(ctx, StaffTopic, payload).Err(); err != nil {
		return fmt.Errorf("publish to staff topic: %w", err)
	}

	return nil
}

// Subscribe открывает подписку на канал уведомлений в Redis.
func (n *RedisNotifier) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := n.client.Subscribe(ctx, topic)

	// Дожидаемся подтверждения подписки, чтобы не терять первые сообщения.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	events := make(chan Event)

	go func() {
		defer close(events)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: events,
		close:  pubsub.Close,
	}, nil
}

// Close закрывает подключение к Redis.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
