package notifier

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 16

// MemoryNotifier реализует шину уведомлений внутри процесса.
// Используется, когда адрес Redis не задан, и в тестах.
type MemoryNotifier struct {
	mu     sync.Mutex
	subs   map[string]map[int64]chan Event
	nextID int64
	closed bool
}

// NewMemoryNotifier создаёт шину уведомлений в памяти процесса.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		subs: make(map[string]map[int64]chan Event),
	}
}

// Publish рассылает уведомление подписчикам канала владельца и канала персонала.
// Медленные подписчики с заполненным буфером пропускают уведомление:
// доставка at-least-once не гарантируется, подписчик обязан уметь перечитывать.
func (n *MemoryNotifier) Publish(_ context.Context, customerID int64, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	for _, topic := range []string{CustomerTopic(customerID), StaffTopic} {
		for _, ch := range n.subs[topic] {
			select {
			case ch <- event:
			default:
			}
		}
	}

	return nil
}

// Subscribe открывает подписку на указанный канал.
func (n *MemoryNotifier) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, memorySubscriptionBuffer)

	if n.subs[topic] == nil {
		n.subs[topic] = make(map[int64]chan Event)
	}

	n.nextID++
	id := n.nextID
	n.subs[topic][id] = ch

	var once sync.Once
	closeFn := func() error {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[topic][id]; ok {
				delete(n.subs[topic], id)
				close(ch)
			}
		})
		return nil
	}

	// Подписка автоматически завершается при отмене контекста просмотра.
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = closeFn()
		}()
	}

	return &Subscription{
		events: ch,
		close:  closeFn,
	}, nil
}

// Close завершает все активные подписки.
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, subs := range n.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(n.subs, topic)
	}

	return nil
}
