package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nmalyshev/canteen-system/internal/gateway"
	"github.com/nmalyshev/canteen-system/internal/lifecycle"
	"github.com/nmalyshev/canteen-system/internal/middleware"
	"github.com/nmalyshev/canteen-system/internal/model"
	"github.com/nmalyshev/canteen-system/internal/notifier"
	"github.com/nmalyshev/canteen-system/internal/repository"
	"github.com/nmalyshev/canteen-system/internal/service"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	usersResp []model.User
	usersErr  error

	updateRoleErr error

	menuResp []model.MenuItem
	menuErr  error

	createMenuErr error
	updateMenuErr error

	createOrderResp *model.Order
	createOrderErr  error

	ordersResp []model.Order
	ordersErr  error

	staffOrdersResp []model.Order
	staffOrdersErr  error

	checkoutResp *gateway.Session
	checkoutErr  error

	verifyResp model.PaymentStatus
	verifyErr  error

	advanceResp *model.Order
	advanceErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) ListUsers(ctx context.Context, actorRole model.Role) ([]model.User, error) {
	return s.usersResp, s.usersErr
}

func (s *stubService) UpdateUserRole(ctx context.Context, actorRole model.Role, userID int64, role model.Role) error {
	return s.updateRoleErr
}

func (s *stubService) ListMenu(ctx context.Context) ([]model.MenuItem, error) {
	return s.menuResp, s.menuErr
}

func (s *stubService) ListMenuForAdmin(ctx context.Context, actorRole model.Role) ([]model.MenuItem, error) {
	return s.menuResp, s.menuErr
}

func (s *stubService) CreateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error {
	return s.createMenuErr
}

func (s *stubService) UpdateMenuItem(ctx context.Context, actorRole model.Role, item *model.MenuItem) error {
	return s.updateMenuErr
}

func (s *stubService) CreateOrder(ctx context.Context, customerID int64, req service.PlaceOrderRequest) (*model.Order, error) {
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) GetOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) GetStaffOrders(ctx context.Context, actorRole model.Role) ([]model.Order, error) {
	return s.staffOrdersResp, s.staffOrdersErr
}

func (s *stubService) CreateCheckoutSession(ctx context.Context, customerID int64, orderID string) (*gateway.Session, error) {
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) VerifyPayment(ctx context.Context, actor *model.User, sessionID string) (model.PaymentStatus, error) {
	return s.verifyResp, s.verifyErr
}

func (s *stubService) AdvanceOrder(ctx context.Context, actor *model.User, orderID string, expectedVersion int64) (*model.Order, error) {
	return s.advanceResp, s.advanceErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, notifier.NewMemoryNotifier(), logger, auth)
}

func authCookie(t *testing.T, h *Handler, userID int64, role model.Role) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, role)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie set")
	}
	return cookies[0]
}

func doRequest(t *testing.T, h *Handler, method, target string, body []byte, cookie *http.Cookie) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	res := doRequest(t, h, http.MethodPost, "/api/user/register", body, nil)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("no auth cookie after register")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})
	res := doRequest(t, h, http.MethodPost, "/api/user/register", body, nil)

	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestLogin_UnauthorizedOnError(t *testing.T) {
	svc := &stubService{authErr: context.DeadlineExceeded}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "wrong"})
	res := doRequest(t, h, http.MethodPost, "/api/user/login", body, nil)

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetMenu_JSONResponse(t *testing.T) {
	svc := &stubService{
		menuResp: []model.MenuItem{
			{ID: "item-1", Name: "Dosa", PricePaise: 12550, MealType: model.MealTypeLunch, IsAvailable: true},
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/menu", nil, nil)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var items []menuItemResponse
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Price != 125.50 {
		t.Fatalf("price = %v, want 125.50", items[0].Price)
	}
}

func TestGetMenu_MealTypeFilter(t *testing.T) {
	svc := &stubService{
		menuResp: []model.MenuItem{
			{ID: "item-1", Name: "Dosa", MealType: model.MealTypeLunch, IsAvailable: true},
			{ID: "item-2", Name: "Idli", MealType: model.MealTypeBreakfast, IsAvailable: true},
			{ID: "item-3", Name: "Chai", MealType: model.MealTypeAllDay, IsAvailable: true},
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/menu?meal_type=lunch", nil, nil)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var items []menuItemResponse
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (lunch + all_day)", len(items))
	}
}

func TestCreateOrder_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodPost, "/api/user/orders", []byte(`{}`), nil)

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateOrder_Created(t *testing.T) {
	pickup := time.Now().Add(24 * time.Hour)
	svc := &stubService{
		createOrderResp: &model.Order{
			ID:            "order-1",
			CustomerID:    7,
			Items:         []model.OrderItem{{MenuItemID: "item-1", Name: "Dosa", Quantity: 2, PricePaise: 1000}},
			TotalPaise:    2000,
			PickupTime:    pickup,
			Status:        model.OrderStatusPending,
			PaymentStatus: model.PaymentStatusUnpaid,
			Version:       1,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createOrderRequest{
		Items:      []orderItemRequest{{MenuItemID: "item-1", Quantity: 2}},
		PickupTime: pickup,
	})
	res := doRequest(t, h, http.MethodPost, "/api/user/orders", body, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var order orderResponse
	if err := json.NewDecoder(res.Body).Decode(&order); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if order.ID != "order-1" {
		t.Fatalf("order id = %q, want order-1", order.ID)
	}
	if order.Total != 20.0 {
		t.Fatalf("total = %v, want 20.0", order.Total)
	}
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "past pickup time", err: service.ErrInvalidPickupTime, wantStatus: http.StatusBadRequest},
		{name: "empty order", err: service.ErrEmptyOrder, wantStatus: http.StatusBadRequest},
		{name: "bad quantity", err: service.ErrInvalidQuantity, wantStatus: http.StatusBadRequest},
		{name: "unknown menu item", err: repository.ErrMenuItemNotFound, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{createOrderErr: tt.err})

			body, _ := json.Marshal(createOrderRequest{PickupTime: time.Now()})
			res := doRequest(t, h, http.MethodPost, "/api/user/orders", body, authCookie(t, h, 7, model.RoleCustomer))

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{ordersResp: []model.Order{}})

	res := doRequest(t, h, http.MethodGet, "/api/user/orders", nil, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestCheckout_ReturnsSession(t *testing.T) {
	svc := &stubService{
		checkoutResp: &gateway.Session{ID: "cs_1", RedirectURL: "https://pay.example/cs_1"},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodPost, "/api/user/orders/order-1/checkout", nil, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "cs_1" || resp.RedirectURL != "https://pay.example/cs_1" {
		t.Fatalf("unexpected session response: %+v", resp)
	}
}

func TestCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not found", err: repository.ErrOrderNotFound, wantStatus: http.StatusNotFound},
		{name: "foreign order", err: service.ErrNotOrderOwner, wantStatus: http.StatusForbidden},
		{name: "already paid", err: service.ErrOrderAlreadyPaid, wantStatus: http.StatusConflict},
		{name: "completed", err: service.ErrOrderCompleted, wantStatus: http.StatusConflict},
		{name: "gateway down", err: &gateway.Error{StatusCode: http.StatusInternalServerError, Transient: true, Err: context.DeadlineExceeded}, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{checkoutErr: tt.err})

			res := doRequest(t, h, http.MethodPost, "/api/user/orders/order-1/checkout", nil, authCookie(t, h, 7, model.RoleCustomer))

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestVerifyPayment_ReturnsStatus(t *testing.T) {
	svc := &stubService{verifyResp: model.PaymentStatusPaid}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(verifyPaymentRequest{SessionID: "cs_1"})
	res := doRequest(t, h, http.MethodPost, "/api/user/payments/verify", body, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp verifyPaymentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentStatus != string(model.PaymentStatusPaid) {
		t.Fatalf("payment status = %q, want paid", resp.PaymentStatus)
	}
}

func TestVerifyPayment_EmptySession(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(verifyPaymentRequest{})
	res := doRequest(t, h, http.MethodPost, "/api/user/payments/verify", body, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStaffOrders_CustomerForbidden(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodGet, "/api/staff/orders", nil, authCookie(t, h, 7, model.RoleCustomer))

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestStaffOrders_JSONResponse(t *testing.T) {
	svc := &stubService{
		staffOrdersResp: []model.Order{
			{
				ID:            "order-1",
				CustomerID:    7,
				TotalPaise:    2375,
				PickupTime:    time.Now().Add(2 * time.Hour),
				Status:        model.OrderStatusPending,
				PaymentStatus: model.PaymentStatusPaid,
				Version:       2,
			},
		},
	}
	h := newTestHandler(t, svc)

	res := doRequest(t, h, http.MethodGet, "/api/staff/orders", nil, authCookie(t, h, 2, model.RoleStaff))

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestAdvanceOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not found", err: repository.ErrOrderNotFound, wantStatus: http.StatusNotFound},
		{name: "terminal status", err: lifecycle.ErrInvalidTransition, wantStatus: http.StatusConflict},
		{name: "stale version", err: repository.ErrVersionConflict, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{advanceErr: tt.err})

			body, _ := json.Marshal(advanceOrderRequest{Version: 1})
			res := doRequest(t, h, http.MethodPost, "/api/staff/orders/order-1/advance", body, authCookie(t, h, 2, model.RoleStaff))

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAdvanceOrder_Success(t *testing.T) {
	svc := &stubService{
		advanceResp: &model.Order{
			ID:            "order-1",
			Status:        model.OrderStatusPreparing,
			PaymentStatus: model.PaymentStatusPaid,
			Version:       3,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(advanceOrderRequest{Version: 2})
	res := doRequest(t, h, http.MethodPost, "/api/staff/orders/order-1/advance", body, authCookie(t, h, 2, model.RoleStaff))

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var order orderResponse
	if err := json.NewDecoder(res.Body).Decode(&order); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if order.Status != string(model.OrderStatusPreparing) {
		t.Fatalf("status = %q, want preparing", order.Status)
	}
	if order.Version != 3 {
		t.Fatalf("version = %d, want 3", order.Version)
	}
}

func TestAdminRoutes_StaffForbidden(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	res := doRequest(t, h, http.MethodGet, "/api/admin/users", nil, authCookie(t, h, 2, model.RoleStaff))

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestCreateMenuItem_Created(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(menuItemRequest{
		Name:        "Idli",
		Price:       30.0,
		MealType:    string(model.MealTypeBreakfast),
		IsAvailable: true,
	})
	res := doRequest(t, h, http.MethodPost, "/api/admin/menu", body, authCookie(t, h, 1, model.RoleAdmin))

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestCustomerEvents_StreamsEvent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	srv := httptest.NewServer(h.SetupRouter())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/user/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(authCookie(t, h, 7, model.RoleCustomer))

	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	// Подписка устанавливается асинхронно, публикуем до подтверждения доставки.
	event := notifier.Event{OrderID: "order-1", ChangeKind: notifier.ChangeKindPayment}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				_ = h.events.Publish(context.Background(), 7, event)
			}
		}
	}()

	reader := bufio.NewReader(res.Body)
	lineCh := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lineCh <- line
				return
			}
		}
	}()

	select {
	case line := <-lineCh:
		var got notifier.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if got.OrderID != "order-1" || got.ChangeKind != notifier.ChangeKindPayment {
			t.Fatalf("event = %+v, want order-1/payment", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not streamed")
	}
}
