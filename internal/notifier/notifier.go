// Package notifier отвечает за рассылку уведомлений об изменениях заказов.
//
// Уведомление — это только сигнал перечитать актуальное состояние заказа,
// оно никогда не несёт само состояние. Доставка best-effort: потеря
// уведомления не нарушает корректность, подписчики могут опрашивать API.
package notifier

import (
	"context"
	"fmt"
)

// ChangeKind описывает вид изменения заказа.
type ChangeKind string

const (
	ChangeKindCreated ChangeKind = "created"
	ChangeKindPayment ChangeKind = "payment"
	ChangeKindStatus  ChangeKind = "status"
)

// Event описывает уведомление об изменении заказа.
type Event struct {
	OrderID    string     `json:"order_id"`
	ChangeKind ChangeKind `json:"change_kind"`
}

// StaffTopic — общий канал уведомлений для персонала.
const StaffTopic = "orders.staff"

// CustomerTopic возвращает имя канала уведомлений конкретного покупателя.
func CustomerTopic(customerID int64) string {
	return fmt.Sprintf("orders.customer.%d", customerID)
}

// Subscription представляет активную подписку на канал уведомлений.
// Подписку необходимо закрывать после окончания просмотра.
type Subscription struct {
	events <-chan Event
	close  func() error
}

// Events возвращает канал входящих уведомлений. Канал закрывается
// при закрытии подписки или отмене контекста.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close завершает подписку и освобождает ресурсы.
func (s *Subscription) Close() error {
	return s.close()
}

// Notifier описывает контракт шины уведомлений об изменениях заказов.
type Notifier interface {
	// Publish рассылает уведомление в канал владельца заказа и в канал персонала.
	Publish(ctx context.Context, customerID int64, event Event) error
	// Subscribe открывает подписку на указанный канал.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}
