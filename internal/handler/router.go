package handler

import (
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nmalyshev/canteen-system/internal/middleware"
	"github.com/nmalyshev/canteen-system/internal/model"
)

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// SetupRouter настраивает маршрутизацию HTTP-запросов сервиса предзаказов.
func (h *Handler) SetupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.GzipMiddleware)

	r.Post("/api/user/register", h.Register)
	r.Post("/api/user/login", h.Login)
	r.Get("/api/menu", h.GetMenu)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/api/user/orders", h.CreateOrder)
		r.Get("/api/user/orders", h.GetOrders)
		r.Post("/api/user/orders/{orderID}/checkout", h.Checkout)
		r.Post("/api/user/payments/verify", h.VerifyPayment)
		r.Get("/api/user/events", h.CustomerEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRoles(model.RoleStaff, model.RoleAdmin))

			r.Get("/api/staff/orders", h.GetStaffOrders)
			r.Post("/api/staff/orders/{orderID}/advance", h.AdvanceOrder)
			r.Get("/api/staff/events", h.StaffEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRoles(model.RoleAdmin))

			r.Get("/api/admin/users", h.GetUsers)
			r.Put("/api/admin/users/{userID}/role", h.UpdateUserRole)
			r.Get("/api/admin/menu", h.GetAdminMenu)
			r.Post("/api/admin/menu", h.CreateMenuItem)
			r.Put("/api/admin/menu/{itemID}", h.UpdateMenuItem)
		})
	})

	return r
}
