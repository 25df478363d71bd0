// Package service реализует бизнес-логику сервиса предзаказов столовой.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/nmalyshev/canteen-system/internal/gateway"
	"github.com/nmalyshev/canteen-system/internal/lifecycle"
	"github.com/nmalyshev/canteen-system/internal/model"
	"github.com/nmalyshev/canteen-system/internal/notifier"
	"github.com/nmalyshev/canteen-system/internal/repository"
	"github.com/nmalyshev/canteen-system/internal/validation"
)

// ErrNotOrderOwner возвращается, если заказ принадлежит другому покупателю.
var (
	ErrNotOrderOwner = errors.New("order belongs to another customer")
	// ErrOrderCompleted возвращается при попытке оплатить завершённый заказ.
	ErrOrderCompleted = errors.New("order is already completed")
	// ErrOrderAlreadyPaid возвращается при попытке повторной оплаты заказа.
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	// ErrEmptyOrder возвращается, если заказ не содержит ни одной позиции.
	ErrEmptyOrder = errors.New("order must contain at least one item")
	// ErrInvalidQuantity возвращается при недопустимом количестве позиции.
	ErrInvalidQuantity = errors.New("invalid item quantity")
	// ErrInvalidPickupTime возвращается, если время выдачи в прошлом или вне окна работы.
	ErrInvalidPickupTime = errors.New("pickup time must be in the future within the service window")
)

// checkoutNamespace — пространство имён для детерминированных ключей идемпотентности.
var checkoutNamespace = uuid.MustParse("9f2c1e9e-54d1-4f6a-8b3c-5a07c2f31d42")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserRole(ctx context.Context, id int64, role model.Role) error
	CreateMenuItem(ctx context.Context, item *model.MenuItem) error
	UpdateMenuItem(ctx context.Context, item *model.MenuItem) error
	ListMenuItems(ctx context.Context, onlyAvailable bool) ([]model.MenuItem, error)
	GetMenuItemsByIDs(ctx context.Context, ids []string) (map[string]model.MenuItem, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*model.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error)
	ListStaffOrders(ctx context.Context) ([]model.Order, error)
	ListOrdersForReconcile(ctx context.Context, limit int) ([]model.Order, error)
	UpdateOrderIfVersion(ctx context.Context, order *model.Order, expectedVersion int64) (*model.Order, error)
}

// PaymentGateway описывает контракт платёжного шлюза, используемый сервисом.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.Session, error)
	GetSessionStatus(ctx context.Context, sessionID string) (gateway.SessionStatus, error)
}

// Service содержит бизнес-логику сервиса предзаказов.
type Service struct {
	repo            Repository
	gateway         PaymentGateway
	events          notifier.Notifier
	discountPercent int64
	baseURL         string
}

// NewService создаёт сервис с указанными репозиторием, платёжным шлюзом и шиной уведомлений.
func NewService(repo Repository, gw PaymentGateway, events notifier.Notifier, discountPercent int64, baseURL string) *Service {
	return &Service{
		repo:            repo,
		gateway:         gw,
		events:          events,
		discountPercent: discountPercent,
		baseURL:         baseURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// publish отправляет уведомление об изменении заказа. Ошибки рассылки
// не влияют на результат операции: уведомления best-effort, подписчики
// в любом случае перечитывают состояние через API.
func (s *Service) publish(ctx context.Context, order *model.Order, kind notifier.ChangeKind) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, order.CustomerID, notifier.Event{
		OrderID:    order.ID,
		ChangeKind: kind,
	})
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, model.RoleCustomer)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его профиль.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetUserByID возвращает профиль пользователя.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// ListUsers возвращает всех пользователей. Доступно только администратору.
func (s *Service) ListUsers(ctx context.Context, actorRole model.Role) ([]model.User, error) {
	if actorRole != model.RoleAdmin {
		return nil, lifecycle.ErrRoleNotAllowed
	}
	return s.repo.ListUsers(ctx)
}

// UpdateUserRole изменяет роль пользователя. Доступно только администратору.
func (s *Service) UpdateUserRole(ctx context.Context, actorRole model.Role, userID int64, role model.Role) error {
	if actorRole != model.RoleAdmin {
		return lifecycle.ErrRoleNotAllowed
	}

	switch role {
	case model.RoleCustomer, model.RoleStaff, model.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	return s.repo.UpdateUserRole(ctx, userID, role)
}

// ListMenu возвращает доступные позиции меню.
func (s *Service) ListMenu(ctx context.Context) ([]model.MenuItem, error) {
	return s.repo.ListMenuItems(ctx, true)
}

// ListMenuForAdmin возвращает все позиции меню, включая недоступные.
func (s *Service) ListMenuForAdmin(ctx context.Context, actorRole model.Role) ([]model.MenuItem, error) {
	if actorRole != model.RoleAdmin {
		return nil, lifecycle.ErrRoleNotAllowed
	}
	return s.repo.ListMenuItems(ctx, false)
}

// CreateMenuItem добавляет позицию меню. Доступно только администратору.
func (s *Service) CreateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error {
	if actorRole != model.RoleAdmin {
		return lifecycle.ErrRoleNotAllowed
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	return s.repo.CreateMenuItem(ctx, item)
}

// UpdateMenuItem изменяет позицию меню. Доступно только администратору.
// Изменение цены не затрагивает уже оформленные заказы: в них зафиксирован снимок цен.
func (s *Service) UpdateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error {
	if actorRole != model.RoleAdmin {
		return lifecycle.ErrRoleNotAllowed
	}
	return s.repo.UpdateMenuItem(ctx, item)
}

// OrderLine описывает позицию при оформлении заказа.
type OrderLine struct {
	MenuItemID string
	Quantity   int32
}

// PlaceOrderRequest содержит параметры оформления заказа.
type PlaceOrderRequest struct {
	Items        []OrderLine
	BYOCDiscount bool
	PickupTime   time.Time
}

// CreateOrder оформляет новый заказ покупателя. Названия и цены позиций
// фиксируются из текущего меню, итоговая сумма вычисляется на сервере:
// присланные клиентом суммы игнорируются.
func (s *Service) CreateOrder(ctx context.Context, customerID int64, req PlaceOrderRequest) (*model.Order, error) {
	if !validation.IsValidPickupTime(req.PickupTime, time.Now()) {
		return nil, ErrInvalidPickupTime
	}

	if len(req.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	ids := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		if !validation.IsValidQuantity(line.Quantity) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, line.Quantity)
		}
		ids = append(ids, line.MenuItemID)
	}

	menuItems, err := s.repo.GetMenuItemsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]model.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		mi, ok := menuItems[line.MenuItemID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", repository.ErrMenuItemNotFound, line.MenuItemID)
		}
		items = append(items, model.OrderItem{
			MenuItemID: mi.ID,
			Name:       mi.Name,
			Quantity:   line.Quantity,
			PricePaise: mi.PricePaise,
		})
	}

	order := &model.Order{
		ID:            uuid.NewString(),
		CustomerID:    customerID,
		Items:         items,
		BYOCDiscount:  req.BYOCDiscount,
		TotalPaise:    model.TotalPaise(items, req.BYOCDiscount, s.discountPercent),
		PickupTime:    req.PickupTime,
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusUnpaid,
		CreatedAt:     time.Now(),
		Version:       1,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.publish(ctx, order, notifier.ChangeKindCreated)

	return order, nil
}

// GetOrdersByCustomer возвращает заказы покупателя.
func (s *Service) GetOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByCustomer(ctx, customerID)
}

// GetStaffOrders возвращает оплаченные незавершённые заказы для персонала.
func (s *Service) GetStaffOrders(ctx context.Context, actorRole model.Role) ([]model.Order, error) {
	if actorRole != model.RoleStaff && actorRole != model.RoleAdmin {
		return nil, lifecycle.ErrRoleNotAllowed
	}
	return s.repo.ListStaffOrders(ctx)
}

// checkoutIdempotencyKey возвращает детерминированный ключ идемпотентности
// для создания платёжной сессии. При первой оплате ключ зависит только от
// заказа, поэтому сетевой повтор того же запроса не создаёт вторую сессию.
// При замене неудавшейся сессии ключ включает её идентификатор, что даёт
// новый, но по-прежнему детерминированный ключ.
func checkoutIdempotencyKey(orderID, failedSessionID string) string {
	name := orderID
	if failedSessionID != "" {
		name = orderID + ":" + failedSessionID
	}
	return uuid.NewSHA1(checkoutNamespace, []byte(name)).String()
}

// CreateCheckoutSession открывает платёжную сессию для заказа.
// Если у заказа уже есть действующая сессия, возвращается она же:
// вторая сессия для одного заказа не создаётся никогда.
func (s *Service) CreateCheckoutSession(ctx context.Context, customerID int64, orderID string) (*gateway.Session, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.CustomerID != customerID {
		return nil, ErrNotOrderOwner
	}
	if order.Status == model.OrderStatusCompleted {
		return nil, ErrOrderCompleted
	}
	if order.PaymentStatus == model.PaymentStatusPaid {
		return nil, ErrOrderAlreadyPaid
	}

	var failedSessionID string
	if order.PaymentSessionID != "" {
		status, err := s.gateway.GetSessionStatus(ctx, order.PaymentSessionID)
		if err != nil {
			return nil, err
		}

		switch status {
		case gateway.SessionStatusPaid:
			// Шлюз уже получил оплату: фиксируем её и не открываем новую сессию.
			if _, err := s.foldPaymentStatus(ctx, order.PaymentSessionID, status); err != nil {
				return nil, err
			}
			return nil, ErrOrderAlreadyPaid
		case gateway.SessionStatusUnpaid:
			// Сессия ещё открыта: возвращаем её без обращения к шлюзу.
			return &gateway.Session{ID: order.PaymentSessionID, RedirectURL: order.RedirectURL}, nil
		case gateway.SessionStatusFailed:
			failedSessionID = order.PaymentSessionID
		}
	}

	lineItems := make([]gateway.LineItem, 0, len(order.Items))
	for _, it := range order.Items {
		lineItems = append(lineItems, gateway.LineItem{
			Name:            it.Name,
			Quantity:        it.Quantity,
			UnitAmountPaise: it.PricePaise,
		})
	}

	session, err := s.gateway.CreateSession(ctx, gateway.CreateSessionRequest{
		OrderID:        order.ID,
		LineItems:      lineItems,
		SuccessURL:     s.baseURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      s.baseURL + "/order?canceled=true",
		IdempotencyKey: checkoutIdempotencyKey(order.ID, failedSessionID),
	})
	if err != nil {
		return nil, err
	}

	// Сессия на шлюзе уже создана, поэтому запись в БД нельзя бросать
	// на полпути: конфликт версий перечитывается и повторяется. При
	// повторном вызове всей операции тот же ключ идемпотентности вернёт
	// ту же сессию, второй не появится.
	backoff := retry.WithMaxRetries(5, retry.NewExponential(50*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		fresh, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}

		if fresh.PaymentSessionID == session.ID {
			return nil
		}

		fresh.PaymentSessionID = session.ID
		fresh.RedirectURL = session.RedirectURL
		fresh.PaymentStatus = model.PaymentStatusPending

		if _, err := s.repo.UpdateOrderIfVersion(ctx, fresh, fresh.Version); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist payment session: %w", err)
	}

	s.publish(ctx, order, notifier.ChangeKindPayment)

	return session, nil
}

// VerifyPayment сверяет статус платёжной сессии со шлюзом и фиксирует его в заказе.
// Статус, присланный клиентом, никогда не используется. Операция идемпотентна:
// повторные и параллельные вызовы дают один и тот же результат, а уведомление
// о переходе в paid отправляется ровно один раз.
func (s *Service) VerifyPayment(ctx context.Context, actor *model.User, sessionID string) (model.PaymentStatus, error) {
	order, err := s.repo.GetOrderBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if actor.Role == model.RoleCustomer && order.CustomerID != actor.ID {
		return "", ErrNotOrderOwner
	}

	// Оплата уже зафиксирована: повторный вызов — no-op с тем же результатом.
	if order.PaymentStatus == model.PaymentStatusPaid {
		return model.PaymentStatusPaid, nil
	}

	status, err := s.gateway.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return "", err
	}

	return s.foldPaymentStatus(ctx, sessionID, status)
}

// foldPaymentStatus применяет авторитетный статус шлюза к заказу внутри
// обновления с проверкой версии. Проверка текущего статуса перед записью
// гарантирует, что переход в paid и его уведомление случаются ровно один раз,
// сколько бы конкурентных вызовов ни произошло.
func (s *Service) foldPaymentStatus(ctx context.Context, sessionID string, status gateway.SessionStatus) (model.PaymentStatus, error) {
	var result model.PaymentStatus

	backoff := retry.WithMaxRetries(5, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		order, err := s.repo.GetOrderBySession(ctx, sessionID)
		if err != nil {
			return err
		}

		switch status {
		case gateway.SessionStatusPaid:
			if order.PaymentStatus == model.PaymentStatusPaid {
				// Другой вызов уже применил переход.
				result = model.PaymentStatusPaid
				return nil
			}

			order.PaymentStatus = model.PaymentStatusPaid
			if _, err := s.repo.UpdateOrderIfVersion(ctx, order, order.Version); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					return retry.RetryableError(err)
				}
				return err
			}

			result = model.PaymentStatusPaid
			// Переход выполнил именно этот вызов — уведомление уходит один раз.
			s.publish(ctx, order, notifier.ChangeKindPayment)
			return nil

		case gateway.SessionStatusFailed:
			if order.PaymentStatus == model.PaymentStatusFailed {
				result = model.PaymentStatusFailed
				return nil
			}

			// Статус выполнения заказа не меняется: заказ остаётся
			// видимым покупателю для повторной оплаты.
			order.PaymentStatus = model.PaymentStatusFailed
			if _, err := s.repo.UpdateOrderIfVersion(ctx, order, order.Version); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					return retry.RetryableError(err)
				}
				return err
			}

			result = model.PaymentStatusFailed
			s.publish(ctx, order, notifier.ChangeKindPayment)
			return nil

		default:
			// Сессия ещё не оплачена: состояние заказа не меняется.
			result = order.PaymentStatus
			return nil
		}
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

// AdvanceOrder переводит заказ в следующий статус от имени персонала.
// Вызывающий передаёт последнюю известную ему версию заказа; при расхождении
// возвращается конфликт без записи, и вызывающий обязан перечитать заказ.
func (s *Service) AdvanceOrder(ctx context.Context, actor *model.User, orderID string, expectedVersion int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.Advance(actor.Role, order.Status)
	if err != nil {
		return nil, err
	}

	if order.Version != expectedVersion {
		return nil, repository.ErrVersionConflict
	}

	order.Status = next
	updated, err := s.repo.UpdateOrderIfVersion(ctx, order, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, updated, notifier.ChangeKindStatus)

	return updated, nil
}

// StartPaymentReconciliation запускает фоновую сверку незавершённых оплат со шлюзом.
// Фоновая сверка дублирует клиентские вызовы VerifyPayment: обе ветки проходят
// через один и тот же идемпотентный свёрток, поэтому дублирование безопасно.
func (s *Service) StartPaymentReconciliation(ctx context.Context, interval time.Duration) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcilePendingPayments(ctx)
			}
		}
	}()
}

func (s *Service) reconcilePendingPayments(ctx context.Context) {
	orders, err := s.repo.ListOrdersForReconcile(ctx, 100)
	if err != nil {
		return
	}

	for _, o := range orders {
		status, err := s.gateway.GetSessionStatus(ctx, o.PaymentSessionID)
		if err != nil {
			continue
		}

		_, _ = s.foldPaymentStatus(ctx, o.PaymentSessionID, status)
	}
}
