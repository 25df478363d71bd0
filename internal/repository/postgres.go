// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nmalyshev/canteen-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrMenuItemNotFound возвращается, если позиция меню не найдена или недоступна.
	ErrMenuItemNotFound = errors.New("menu item not found")
	// ErrVersionConflict возвращается, если версия заказа изменилась с момента чтения.
	// Вызывающий обязан перечитать заказ и повторить операцию.
	ErrVersionConflict = errors.New("order version conflict")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// ListUsers возвращает всех пользователей сервиса.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, login, role, created_at FROM users ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.Login, &role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = model.Role(role)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// UpdateUserRole изменяет роль пользователя.
func (r *PostgresRepository) UpdateUserRole(ctx context.Context, id int64, role model.Role) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`,
		id, string(role),
	)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateMenuItem сохраняет новую позицию меню.
func (r *PostgresRepository) CreateMenuItem(ctx context.Context, item *model.MenuItem) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO menu_items (id, name, price, meal_type, allergy_labels, is_available)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.Name, item.PricePaise, string(item.MealType), item.AllergyLabels, item.IsAvailable,
	)
	if err != nil {
		return fmt.Errorf("insert menu item: %w", err)
	}
	return nil
}

// UpdateMenuItem обновляет позицию меню целиком.
func (r *PostgresRepository) UpdateMenuItem(ctx context.Context, item *model.MenuItem) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE menu_items
		 SET name = $2, price = $3, meal_type = $4, allergy_labels = $5, is_available = $6
		 WHERE id = $1`,
		item.ID, item.Name, item.PricePaise, string(item.MealType), item.AllergyLabels, item.IsAvailable,
	)
	if err != nil {
		return fmt.Errorf("update menu item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMenuItemNotFound
	}
	return nil
}

// ListMenuItems возвращает позиции меню. При onlyAvailable=true — только доступные.
func (r *PostgresRepository) ListMenuItems(ctx context.Context, onlyAvailable bool) ([]model.MenuItem, error) {
	query := `SELECT id, name, price, meal_type, allergy_labels, is_available FROM menu_items ORDER BY name`
	if onlyAvailable {
		query = `SELECT id, name, price, meal_type, allergy_labels, is_available
		         FROM menu_items WHERE is_available ORDER BY name`
	}

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var it model.MenuItem
		var mealType string
		if err := rows.Scan(&it.ID, &it.Name, &it.PricePaise, &mealType, &it.AllergyLabels, &it.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		it.MealType = model.MealType(mealType)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetMenuItemsByIDs возвращает доступные позиции меню по списку идентификаторов.
func (r *PostgresRepository) GetMenuItemsByIDs(ctx context.Context, ids []string) (map[string]model.MenuItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, meal_type, allergy_labels, is_available
		 FROM menu_items
		 WHERE id = ANY($1) AND is_available`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]model.MenuItem, len(ids))
	for rows.Next() {
		var it model.MenuItem
		var mealType string
		if err := rows.Scan(&it.ID, &it.Name, &it.PricePaise, &mealType, &it.AllergyLabels, &it.IsAvailable); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		it.MealType = model.MealType(mealType)
		items[it.ID] = it
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// CreateOrder сохраняет заказ вместе со снимком позиций в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, customer_id, byoc_discount, total, pickup_time, status, payment_status, created_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			order.ID, order.CustomerID, order.BYOCDiscount, order.TotalPaise, order.PickupTime,
			string(order.Status), string(order.PaymentStatus), order.CreatedAt, order.Version,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, it := range order.Items {
			_, err = tx.Exec(ctx,
				`INSERT INTO order_items (order_id, menu_item_id, name, quantity, price)
				 VALUES ($1, $2, $3, $4, $5)`,
				order.ID, it.MenuItemID, it.Name, it.Quantity, it.PricePaise,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

const orderColumns = `id, customer_id, byoc_discount, total, pickup_time, status, payment_status, payment_session_id, payment_redirect_url, created_at, version`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status, paymentStatus string
	var sessionID, redirectURL *string

	err := row.Scan(
		&o.ID, &o.CustomerID, &o.BYOCDiscount, &o.TotalPaise, &o.PickupTime,
		&status, &paymentStatus, &sessionID, &redirectURL, &o.CreatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	if sessionID != nil {
		o.PaymentSessionID = *sessionID
	}
	if redirectURL != nil {
		o.RedirectURL = *redirectURL
	}

	return &o, nil
}

func (r *PostgresRepository) loadOrderItems(ctx context.Context, orderIDs []string) (map[string][]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, menu_item_id, name, quantity, price
		 FROM order_items
		 WHERE order_id = ANY($1)`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]model.OrderItem, len(orderIDs))
	for rows.Next() {
		var orderID string
		var it model.OrderItem
		if err := rows.Scan(&orderID, &it.MenuItemID, &it.Name, &it.Quantity, &it.PricePaise); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items[orderID] = append(items[orderID], it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetOrder возвращает заказ с позициями по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := r.loadOrderItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

// GetOrderBySession возвращает заказ, которому принадлежит платёжная сессия.
func (r *PostgresRepository) GetOrderBySession(ctx context.Context, sessionID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_session_id = $1`,
		sessionID,
	)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by session: %w", err)
	}

	items, err := r.loadOrderItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	var ids []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.loadOrderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

// ListOrdersByCustomer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) ListOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`,
		customerID,
	)
}

// ListStaffOrders возвращает оплаченные незавершённые заказы для кухни.
// Неоплаченные заказы персоналу не видны.
func (r *PostgresRepository) ListStaffOrders(ctx context.Context) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE payment_status = $1 AND status <> $2
		 ORDER BY pickup_time`,
		string(model.PaymentStatusPaid), string(model.OrderStatusCompleted),
	)
}

// ListOrdersForReconcile возвращает заказы с незавершённой оплатой,
// для которых нужно сверить статус платёжной сессии со шлюзом.
func (r *PostgresRepository) ListOrdersForReconcile(ctx context.Context, limit int) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE payment_status = $1 AND payment_session_id IS NOT NULL
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PaymentStatusPending), limit,
	)
}

// UpdateOrderIfVersion применяет мутацию заказа с проверкой версии.
// Обновляются только изменяемые поля: статус, статус оплаты и платёжная сессия.
// Если версия в БД ушла вперёд, возвращается ErrVersionConflict и никакая
// запись не выполняется — перезапись чужих изменений исключена.
func (r *PostgresRepository) UpdateOrderIfVersion(ctx context.Context, order *model.Order, expectedVersion int64) (*model.Order, error) {
	var sessionID, redirectURL *string
	if order.PaymentSessionID != "" {
		sessionID = &order.PaymentSessionID
	}
	if order.RedirectURL != "" {
		redirectURL = &order.RedirectURL
	}

	var updated *model.Order
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, payment_status = $3, payment_session_id = $4, payment_redirect_url = $5, version = version + 1
			 WHERE id = $1 AND version = $6
			 RETURNING `+orderColumns,
			order.ID, string(order.Status), string(order.PaymentStatus), sessionID, redirectURL, expectedVersion,
		)

		o, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Строка не обновлена: либо заказа нет, либо версия устарела.
				var exists bool
				if checkErr := r.pool.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`,
					order.ID,
				).Scan(&exists); checkErr != nil {
					return fmt.Errorf("check order existence: %w", checkErr)
				}
				if !exists {
					return ErrOrderNotFound
				}
				return ErrVersionConflict
			}
			return fmt.Errorf("update order: %w", err)
		}

		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated.Items = order.Items
	return updated, nil
}
