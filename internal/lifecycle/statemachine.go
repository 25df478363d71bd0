// Package lifecycle реализует машину состояний заказа.
package lifecycle

import (
	"errors"

	"github.com/nmalyshev/canteen-system/internal/model"
)

// ErrInvalidTransition возвращается при попытке недопустимого перехода статуса.
var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrRoleNotAllowed возвращается, если роль не имеет права менять статус заказа.
	ErrRoleNotAllowed = errors.New("role is not allowed to change order status")
)

// staffPath задаёт единственный разрешённый путь заказа:
// pending -> preparing -> ready -> completed. Пропуск шагов и откат запрещены.
var staffPath = map[model.OrderStatus]model.OrderStatus{
	model.OrderStatusPending:   model.OrderStatusPreparing,
	model.OrderStatusPreparing: model.OrderStatusReady,
	model.OrderStatusReady:     model.OrderStatusCompleted,
}

// transitions — таблица возможностей: роль × текущий статус → следующий статус.
// Проверка прав и допустимости перехода выполняется в одном месте,
// вместо разрозненных проверок в обработчиках.
var transitions = map[model.Role]map[model.OrderStatus]model.OrderStatus{
	model.RoleStaff: staffPath,
	model.RoleAdmin: staffPath,
}

// Next возвращает единственный допустимый следующий статус заказа.
// Для терминального статуса completed возвращается ErrInvalidTransition.
func Next(status model.OrderStatus) (model.OrderStatus, error) {
	next, ok := staffPath[status]
	if !ok {
		return "", ErrInvalidTransition
	}
	return next, nil
}

// Advance вычисляет переход статуса для указанной роли.
// Машина состояний никогда не изменяет статус оплаты заказа.
func Advance(role model.Role, status model.OrderStatus) (model.OrderStatus, error) {
	path, ok := transitions[role]
	if !ok {
		return "", ErrRoleNotAllowed
	}

	next, ok := path[status]
	if !ok {
		return "", ErrInvalidTransition
	}

	return next, nil
}
