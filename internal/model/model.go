// Package model содержит доменные сущности сервиса предзаказов столовой.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// MealType описывает время приёма пищи, к которому относится позиция меню.
type MealType string

const (
	MealTypeBreakfast MealType = "breakfast"
	MealTypeLunch     MealType = "lunch"
	MealTypeSnacks    MealType = "snacks"
	MealTypeDinner    MealType = "dinner"
	MealTypeAllDay    MealType = "all_day"
)

// MenuItem описывает позицию меню столовой. Цена хранится в пайсах.
type MenuItem struct {
	ID            string
	Name          string
	PricePaise    int64
	MealType      MealType
	AllergyLabels string
	IsAvailable   bool
}

// OrderStatus описывает статус выполнения заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
)

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderItem описывает позицию заказа. Название и цена фиксируются
// в момент оформления и не зависят от последующих изменений меню.
type OrderItem struct {
	MenuItemID string
	Name       string
	Quantity   int32
	PricePaise int64
}

// Order описывает заказ покупателя. Поле Version используется для
// оптимистической блокировки: каждая мутация увеличивает его на единицу.
type Order struct {
	ID               string
	CustomerID       int64
	Items            []OrderItem
	BYOCDiscount     bool
	TotalPaise       int64
	PickupTime       time.Time
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentSessionID string
	RedirectURL      string
	CreatedAt        time.Time
	Version          int64
}

// TotalPaise вычисляет итоговую сумму заказа в пайсах по зафиксированным
// ценам позиций. Скидка BYOC применяется к промежуточной сумме целиком.
func TotalPaise(items []OrderItem, byocDiscount bool, discountPercent int64) int64 {
	var subtotal int64
	for _, it := range items {
		subtotal += int64(it.Quantity) * it.PricePaise
	}

	if byocDiscount {
		return subtotal - subtotal*discountPercent/100
	}

	return subtotal
}
