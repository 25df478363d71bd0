// Package validation содержит функции валидации входных данных.
package validation

import "time"

const (
	// ServiceWindowOpenHour — час начала дневного окна выдачи заказов.
	ServiceWindowOpenHour = 6
	// ServiceWindowCloseHour — последний час, на который можно назначить выдачу.
	ServiceWindowCloseHour = 21
	// MaxItemQuantity — максимальное количество одной позиции в заказе.
	MaxItemQuantity = 50
)

// IsValidPickupTime проверяет, что время выдачи находится строго в будущем
// и попадает в дневное окно работы столовой.
func IsValidPickupTime(pickup, now time.Time) bool {
	if !pickup.After(now) {
		return false
	}

	hour := pickup.Hour()
	return hour >= ServiceWindowOpenHour && hour <= ServiceWindowCloseHour
}

// IsValidQuantity проверяет количество одной позиции заказа.
func IsValidQuantity(quantity int32) bool {
	return quantity >= 1 && quantity <= MaxItemQuantity
}
