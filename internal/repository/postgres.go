package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const orderColumns = `order_no, user_id, product_id, city_id, quantity, amount::text, remark,
	status, pay_deadline, pay_time, payment_method, payment_no, version, created_at, updated_at,
	product_name, brand, category, platform_id, city_name, province_id, province_name`

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) PutProduct(ctx context.Context, p *domain.Product) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (product_id, name, brand, category, platform_id, price, stock, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, now())
		ON CONFLICT (product_id) DO UPDATE SET
			name = EXCLUDED.name, brand = EXCLUDED.brand, category = EXCLUDED.category,
			platform_id = EXCLUDED.platform_id, price = EXCLUDED.price, stock = EXCLUDED.stock,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, p.ProductID, p.Name, p.Brand, p.Category, p.PlatformID, p.Price.String(), p.Stock, string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutCity(ctx context.Context, c *domain.City) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cities (city_id, name, province_id, province_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (city_id) DO UPDATE SET
			name = EXCLUDED.name, province_id = EXCLUDED.province_id, province_name = EXCLUDED.province_name
	`, c.CityID, c.Name, c.ProvinceID, c.ProvinceName)
	if err != nil {
		return fmt.Errorf("failed to upsert city: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var (
		p      domain.Product
		price  string
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT product_id, name, brand, category, platform_id, price::text, stock, status, updated_at
		FROM products WHERE product_id = $1
	`, productID).Scan(&p.ProductID, &p.Name, &p.Brand, &p.Category, &p.PlatformID, &price, &p.Stock, &status, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	p.Price = parseAmount(price)
	p.Status = domain.ProductStatus(status)
	return &p, nil
}

func (s *PostgresStore) GetCity(ctx context.Context, cityID int64) (*domain.City, error) {
	var c domain.City
	err := s.db.QueryRow(ctx, `
		SELECT city_id, name, province_id, province_name FROM cities WHERE city_id = $1
	`, cityID).Scan(&c.CityID, &c.Name, &c.ProvinceID, &c.ProvinceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get city: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListPlatformIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT platform_id FROM products WHERE platform_id > 0 ORDER BY platform_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// CreateOrder deducts stock, inserts the order and its log in one
// transaction. The decrement is conditional so concurrent creators cannot
// drive stock negative.
func (s *PostgresStore) CreateOrder(ctx context.Context, order *domain.Order, log domain.OperationLogEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = $3
		WHERE product_id = $1 AND stock >= $2 AND status = 'ACTIVE'
	`, order.ProductID, order.Quantity, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to deduct stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO orders (order_no, user_id, product_id, city_id, quantity, amount, remark, status,
			pay_deadline, version, created_at, updated_at, product_name, brand, category, platform_id,
			city_name, province_id, province_name)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (order_no) DO NOTHING
	`, order.OrderNo, order.UserID, order.ProductID, order.CityID, order.Quantity, order.Amount.String(),
		order.Remark, string(order.Status), order.PayDeadline, order.Version, order.CreatedAt, order.UpdatedAt,
		order.ProductName, order.Brand, order.Category, order.PlatformID, order.CityName, order.ProvinceID,
		order.ProvinceName)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderExists
	}

	if err := insertLog(ctx, tx, log); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertLog(ctx context.Context, tx pgx.Tx, e domain.OperationLogEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_logs (log_id, order_no, user_id, operation, from_status, to_status,
			operator_type, operator_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.LogID, e.OrderNo, e.UserID, string(e.Operation), string(e.FromStatus), string(e.ToStatus),
		string(e.OperatorType), e.OperatorID, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		amount string
		status string
	)
	err := row.Scan(&o.OrderNo, &o.UserID, &o.ProductID, &o.CityID, &o.Quantity, &amount, &o.Remark,
		&status, &o.PayDeadline, &o.PayTime, &o.PaymentMethod, &o.PaymentNo, &o.Version, &o.CreatedAt,
		&o.UpdatedAt, &o.ProductName, &o.Brand, &o.Category, &o.PlatformID, &o.CityName, &o.ProvinceID,
		&o.ProvinceName)
	if err != nil {
		return o, err
	}
	o.Amount = parseAmount(amount)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (s *PostgresStore) queryOrders(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderNo string) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOrdersByNos(ctx context.Context, userID int64, orderNos []string) ([]domain.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND order_no = ANY($2)
		ORDER BY created_at DESC, order_no DESC`, userID, orderNos)
}

func (s *PostgresStore) ListRecentOrders(ctx context.Context, userID int64, limit int, status domain.OrderStatus) ([]domain.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, order_no DESC
		LIMIT $3`, userID, string(status), limit)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = 'PENDING' AND pay_deadline < $1
		ORDER BY pay_deadline
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	guard := ""
	switch t.Guard {
	case GuardDeadlineNotPassed:
		guard = " AND pay_deadline >= $3"
	case GuardDeadlinePassed:
		guard = " AND pay_deadline < $3"
	}

	var payTime *time.Time
	var method, paymentNo *string
	if t.Payment != nil {
		payTime = &t.Payment.PaidAt
		method = &t.Payment.Method
		paymentNo = &t.Payment.PaymentNo
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = $3, version = version + 1,
			pay_time = COALESCE($5::timestamptz, pay_time),
			payment_method = COALESCE($6::text, payment_method),
			payment_no = COALESCE($7::text, payment_no)
		WHERE order_no = $1 AND status = 'PENDING' AND ($4::bigint = 0 OR user_id = $4)`+guard,
		t.OrderNo, string(t.To), t.At, t.OwnerID, payTime, method, paymentNo)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_no = $1)`, t.OrderNo).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check order: %w", err)
		}
		if !exists {
			return false, ErrOrderNotFound
		}
		return false, nil
	}

	if t.Payment != nil {
		tag, err = tx.Exec(ctx, `
			INSERT INTO payments (order_no, payment_no, user_id, amount, method, paid_at)
			VALUES ($1, $2, $3, $4::text::numeric, $5, $6)
			ON CONFLICT (order_no) DO NOTHING
		`, t.Payment.OrderNo, t.Payment.PaymentNo, t.Payment.UserID, t.Payment.Amount.String(),
			t.Payment.Method, t.Payment.PaidAt)
		if err != nil {
			return false, fmt.Errorf("failed to insert payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	if t.ReleaseStock {
		if _, err := tx.Exec(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = $3 WHERE product_id = $1
		`, t.ProductID, t.Quantity, t.At); err != nil {
			return false, fmt.Errorf("failed to release stock: %w", err)
		}
	}

	if err := insertLog(ctx, tx, t.Log); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE product_id = $1
	`, productID, quantity)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, orderNo string) (*domain.PaymentRecord, error) {
	var (
		p      domain.PaymentRecord
		amount string
	)
	err := s.db.QueryRow(ctx, `
		SELECT payment_no, order_no, user_id, amount::text, method, paid_at FROM payments WHERE order_no = $1
	`, orderNo).Scan(&p.PaymentNo, &p.OrderNo, &p.UserID, &amount, &p.Method, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.Amount = parseAmount(amount)
	return &p, nil
}

func (s *PostgresStore) ListOperationLogs(ctx context.Context, orderNo string) ([]domain.OperationLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT log_id, order_no, user_id, operation, from_status, to_status, operator_type, operator_id,
			detail, created_at
		FROM order_logs WHERE order_no = $1 ORDER BY created_at, log_id
	`, orderNo)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []domain.OperationLogEntry
	for rows.Next() {
		var (
			e                        domain.OperationLogEntry
			op, from, to, operatorTy string
		)
		if err := rows.Scan(&e.LogID, &e.OrderNo, &e.UserID, &op, &from, &to, &operatorTy, &e.OperatorID,
			&e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		e.Operation = domain.Operation(op)
		e.FromStatus = domain.OrderStatus(from)
		e.ToStatus = domain.OrderStatus(to)
		e.OperatorType = domain.OperatorType(operatorTy)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddCartLine(ctx context.Context, line domain.CartLine) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cart_items (user_id, product_id, city_id, quantity, amount, updated_at,
			product_name, brand, category, platform_id)
		VALUES ($1, $2, $3, 1, $4::text::numeric, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, product_id, city_id) DO UPDATE SET
			quantity = cart_items.quantity + 1, amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at,
			product_name = EXCLUDED.product_name, brand = EXCLUDED.brand, category = EXCLUDED.category,
			platform_id = EXCLUDED.platform_id
	`, line.UserID, line.ProductID, line.CityID, line.Amount.String(), line.UpdatedAt,
		line.ProductName, line.Brand, line.Category, line.PlatformID)
	if err != nil {
		return fmt.Errorf("failed to add cart line: %w", err)
	}
	return nil
}

func (s *PostgresStore) DecrementCartLine(ctx context.Context, userID, productID, cityID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var quantity int
	var lineCity int64
	err = tx.QueryRow(ctx, `
		UPDATE cart_items SET quantity = quantity - 1, updated_at = now()
		WHERE (user_id, product_id, city_id) = (
			SELECT user_id, product_id, city_id FROM cart_items
			WHERE user_id = $1 AND product_id = $2 AND ($3::bigint = 0 OR city_id = $3)
			ORDER BY updated_at DESC LIMIT 1
			FOR UPDATE
		)
		RETURNING quantity, city_id
	`, userID, productID, cityID).Scan(&quantity, &lineCity)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCartLineNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to decrement cart line: %w", err)
	}

	if quantity <= 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2 AND city_id = $3
		`, userID, productID, lineCity); err != nil {
			return fmt.Errorf("failed to delete cart line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCart(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, product_id, city_id, quantity, amount::text, updated_at,
			product_name, brand, category, platform_id
		FROM cart_items WHERE user_id = $1 AND quantity > 0
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart: %w", err)
	}
	defer rows.Close()

	var out []domain.CartLine
	for rows.Next() {
		var (
			l      domain.CartLine
			amount string
		)
		if err := rows.Scan(&l.UserID, &l.ProductID, &l.CityID, &l.Quantity, &amount, &l.UpdatedAt,
			&l.ProductName, &l.Brand, &l.Category, &l.PlatformID); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		l.Amount = parseAmount(amount)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActiveByPlatform(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT platform_id, count(*) FROM orders
		WHERE status IN ('PENDING', 'PAID') GROUP BY platform_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by platform: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CountActiveByProvince(ctx context.Context) ([]domain.ProvinceTotal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT province_id, max(province_name), count(*) FROM orders
		WHERE status IN ('PENDING', 'PAID')
		GROUP BY province_id
		ORDER BY count(*) DESC, province_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by province: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ProvinceTotal, error) {
		var t domain.ProvinceTotal
		err := row.Scan(&t.ProvinceID, &t.ProvinceName, &t.OrderTotal)
		return t, err
	})
}

func (s *PostgresStore) CountActiveByCategory(ctx context.Context, platformID int64) ([]domain.CategoryCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT platform_id, category, count(*) FROM orders
		WHERE status IN ('PENDING', 'PAID') AND platform_id = $1
		GROUP BY platform_id, category
		ORDER BY count(*) DESC, category
	`, platformID)
	if err != nil {
		return nil, fmt.Errorf("failed to count by category: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CategoryCount, error) {
		var c domain.CategoryCount
		err := row.Scan(&c.PlatformID, &c.Category, &c.Count)
		return c, err
	})
}

func (s *PostgresStore) ListActiveUserIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM orders
		WHERE status IN ('PENDING', 'PAID')
		GROUP BY user_id
		ORDER BY max(created_at) DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
