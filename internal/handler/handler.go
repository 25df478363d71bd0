// Package handler содержит HTTP-обработчики API сервиса предзаказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nmalyshev/canteen-system/internal/gateway"
	"github.com/nmalyshev/canteen-system/internal/lifecycle"
	"github.com/nmalyshev/canteen-system/internal/middleware"
	"github.com/nmalyshev/canteen-system/internal/model"
	"github.com/nmalyshev/canteen-system/internal/notifier"
	"github.com/nmalyshev/canteen-system/internal/repository"
	"github.com/nmalyshev/canteen-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	ListUsers(ctx context.Context, actorRole model.Role) ([]model.User, error)
	UpdateUserRole(ctx context.Context, actorRole model.Role, userID int64, role model.Role) error
	ListMenu(ctx context.Context) ([]model.MenuItem, error)
	ListMenuForAdmin(ctx context.Context, actorRole model.Role) ([]model.MenuItem, error)
	CreateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error
	UpdateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error
	CreateOrder(ctx context.Context, customerID int64, req service.PlaceOrderRequest) (*model.Order, error)
	GetOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error)
	GetStaffOrders(ctx context.Context, actorRole model.Role) ([]model.Order, error)
	CreateCheckoutSession(ctx context.Context, customerID int64, orderID string) (*gateway.Session, error)
	VerifyPayment(ctx context.Context, actor *model.User, sessionID string) (model.PaymentStatus, error)
	AdvanceOrder(ctx context.Context, actor *model.User, orderID string, expectedVersion int64) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса предзаказов.
type Handler struct {
	service        Service
	events         notifier.Notifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, events notifier.Notifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		events:         events,
		logger:         logger,
		authMiddleware: auth,
	}
}

func actorFromContext(ctx context.Context) (*model.User, bool) {
	id, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		return nil, false
	}
	role, ok := middleware.GetRoleFromContext(ctx)
	if !ok {
		return nil, false
	}
	return &model.User{ID: id, Role: role}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового покупателя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, model.RoleCustomer)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.Role)
	w.WriteHeader(http.StatusOK)
}

type menuItemResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	MealType      string  `json:"meal_type"`
	AllergyLabels string  `json:"allergy_labels,omitempty"`
	IsAvailable   bool    `json:"is_available"`
}

func toMenuResponse(items []model.MenuItem) []menuItemResponse {
	resp := make([]menuItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, menuItemResponse{
			ID:            it.ID,
			Name:          it.Name,
			Price:         float64(it.PricePaise) / 100,
			MealType:      string(it.MealType),
			AllergyLabels: it.AllergyLabels,
			IsAvailable:   it.IsAvailable,
		})
	}
	return resp
}

// GetMenu возвращает доступные позиции меню.
// Необязательный параметр meal_type ограничивает выдачу одним приёмом пищи.
func (h *Handler) GetMenu(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListMenu(r.Context())
	if err != nil {
		h.logger.Error("get menu error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if mealType := r.URL.Query().Get("meal_type"); mealType != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.MealType) == mealType || it.MealType == model.MealTypeAllDay {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	writeJSON(w, http.StatusOK, toMenuResponse(items))
}

// GetAdminMenu возвращает все позиции меню, включая скрытые.
// Доступно только администратору.
func (h *Handler) GetAdminMenu(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	items, err := h.service.ListMenuForAdmin(r.Context(), actor.Role)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRoleNotAllowed) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("get admin menu error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toMenuResponse(items))
}

type orderItemRequest struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int32  `json:"quantity"`
}

type createOrderRequest struct {
	Items        []orderItemRequest `json:"items"`
	BYOCDiscount bool               `json:"byoc_discount"`
	PickupTime   time.Time          `json:"pickup_time"`
}

type orderItemResponse struct {
	MenuItemID string  `json:"menu_item_id"`
	Name       string  `json:"name"`
	Quantity   int32   `json:"quantity"`
	Price      float64 `json:"price"`
}

type orderResponse struct {
	ID            string              `json:"id"`
	Items         []orderItemResponse `json:"items"`
	BYOCDiscount  bool                `json:"byoc_discount"`
	Total         float64             `json:"total"`
	PickupTime    string              `json:"pickup_time"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"payment_status"`
	Version       int64               `json:"version"`
	CreatedAt     string              `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			Quantity:   it.Quantity,
			Price:      float64(it.PricePaise) / 100,
		})
	}

	return orderResponse{
		ID:            o.ID,
		Items:         items,
		BYOCDiscount:  o.BYOCDiscount,
		Total:         float64(o.TotalPaise) / 100,
		PickupTime:    o.PickupTime.Format(time.RFC3339),
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Version:       o.Version,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
}

// CreateOrder оформляет новый заказ текущего покупателя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines := make([]service.OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, service.OrderLine{
			MenuItemID: it.MenuItemID,
			Quantity:   it.Quantity,
		})
	}

	order, err := h.service.CreateOrder(r.Context(), userID, service.PlaceOrderRequest{
		Items:        lines,
		BYOCDiscount: req.BYOCDiscount,
		PickupTime:   req.PickupTime,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPickupTime),
			errors.Is(err, service.ErrEmptyOrder),
			errors.Is(err, service.ErrInvalidQuantity):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrMenuItemNotFound):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrders возвращает заказы текущего покупателя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByCustomer(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Checkout открывает платёжную сессию для заказа текущего покупателя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	session, err := h.service.CreateCheckoutSession(r.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotOrderOwner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrOrderCompleted), errors.Is(err, service.ErrOrderAlreadyPaid):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) {
				h.logger.Error("checkout gateway error", zap.Error(err), zap.String("order", orderID))
				http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
				return
			}
			h.logger.Error("checkout error", zap.Error(err), zap.String("order", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
	})
}

type verifyPaymentRequest struct {
	SessionID string `json:"session_id"`
}

type verifyPaymentResponse struct {
	PaymentStatus string `json:"payment_status"`
}

// VerifyPayment сверяет оплату платёжной сессии со шлюзом.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, err := h.service.VerifyPayment(r.Context(), actor, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotOrderOwner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) {
				h.logger.Error("verify payment gateway error", zap.Error(err), zap.String("session", req.SessionID))
				http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
				return
			}
			h.logger.Error("verify payment error", zap.Error(err), zap.String("session", req.SessionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, verifyPaymentResponse{PaymentStatus: string(status)})
}

// GetStaffOrders возвращает оплаченные незавершённые заказы для персонала.
func (h *Handler) GetStaffOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetStaffOrders(r.Context(), actor.Role)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRoleNotAllowed) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("get staff orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type advanceOrderRequest struct {
	Version int64 `json:"version"`
}

// AdvanceOrder переводит заказ в следующий статус от имени персонала.
func (h *Handler) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "orderID")

	var req advanceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.AdvanceOrder(r.Context(), actor, orderID, req.Version)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrRoleNotAllowed):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			http.Error(w, "invalid status transition", http.StatusConflict)
		case errors.Is(err, repository.ErrVersionConflict):
			// Версия устарела: клиент обязан перечитать заказ и повторить.
			http.Error(w, "order version conflict, refetch and retry", http.StatusConflict)
		default:
			h.logger.Error("advance order error", zap.Error(err), zap.String("order", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type userResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// GetUsers возвращает список пользователей. Доступно только администратору.
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	users, err := h.service.ListUsers(r.Context(), actor.Role)
	if err != nil {
		if errors.Is(err, lifecycle.ErrRoleNotAllowed) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("list users error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, userResponse{
			ID:        u.ID,
			Login:     u.Login,
			Role:      string(u.Role),
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateUserRole изменяет роль пользователя. Доступно только администратору.
func (h *Handler) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, err := parseID(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateUserRole(r.Context(), actor.Role, userID, model.Role(req.Role)); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrRoleNotAllowed):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type menuItemRequest struct {
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	MealType      string  `json:"meal_type"`
	AllergyLabels string  `json:"allergy_labels"`
	IsAvailable   bool    `json:"is_available"`
}

// CreateMenuItem добавляет позицию меню. Доступно только администратору.
func (h *Handler) CreateMenuItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req menuItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item := &model.MenuItem{
		Name:          req.Name,
		PricePaise:    int64(req.Price * 100),
		MealType:      model.MealType(req.MealType),
		AllergyLabels: req.AllergyLabels,
		IsAvailable:   req.IsAvailable,
	}

	if err := h.service.CreateMenuItem(r.Context(), actor.Role, item); err != nil {
		if errors.Is(err, lifecycle.ErrRoleNotAllowed) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("create menu item error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toMenuResponse([]model.MenuItem{*item})[0])
}

// UpdateMenuItem изменяет позицию меню. Доступно только администратору.
func (h *Handler) UpdateMenuItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID := chi.URLParam(r, "itemID")

	var req menuItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item := &model.MenuItem{
		ID:            itemID,
		Name:          req.Name,
		PricePaise:    int64(req.Price * 100),
		MealType:      model.MealType(req.MealType),
		AllergyLabels: req.AllergyLabels,
		IsAvailable:   req.IsAvailable,
	}

	if err := h.service.UpdateMenuItem(r.Context(), actor.Role, item); err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrRoleNotAllowed):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrMenuItemNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("update menu item error", zap.Error(err), zap.String("item", itemID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
