package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// createTimeout покрывает вызов платёжного шлюза внутри транзакции.
const createTimeout = 15 * time.Second

const orderColumns = `
	id, user_id, total_amount, status, payment_status, payment_method, transaction_id,
	shipping_name, shipping_address, shipping_city, shipping_zip, shipping_country, delivery_date,
	COALESCE(source_message_id, ''), created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order, settle domain.SettleFunc) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: begin tx: %v", domain.ErrTransient, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if order.Status == 0 {
		order.Status = domain.OrderStatusPlaced
	}
	order.PaymentStatus = domain.PaymentStatusPending

	var source sql.NullString
	if order.SourceMessageID != "" {
		source = sql.NullString{String: order.SourceMessageID, Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			user_id, total_amount, status, payment_status, payment_method,
			shipping_name, shipping_address, shipping_city, shipping_zip, shipping_country, delivery_date,
			source_message_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (source_message_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`,
		order.UserID, order.Total.StringFixed(2), int(order.Status), string(order.PaymentStatus), order.PaymentMethod,
		order.Shipping.Name, order.Shipping.Address, order.Shipping.City, order.Shipping.Zip,
		order.Shipping.Country, order.Shipping.DeliveryDate, source,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			existing, getErr := r.getBySource(ctx, order.SourceMessageID)
			if getErr != nil {
				return domain.Order{}, getErr
			}
			return existing, domain.ErrOrderAlreadyIngested
		}
		if isForeignKeyViolation(err) {
			return domain.Order{}, fmt.Errorf("%w: user %d", domain.ErrStaleCredential, order.UserID)
		}
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4)
		`, order.ID, item.ProductID, item.Quantity, item.UnitPrice.String()); err != nil {
			return domain.Order{}, fmt.Errorf("insert order item: %w", err)
		}
	}

	if settle != nil {
		var outcome domain.PaymentOutcome
		outcome, err = settle(ctx, order)
		if err != nil {
			return domain.Order{}, err
		}

		if err = tx.QueryRowContext(ctx, `
			UPDATE orders
			SET payment_status = $2,
			    transaction_id = $3,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, order.ID, string(domain.PaymentStatusPaid), outcome.TransactionID).Scan(&order.UpdatedAt); err != nil {
			return domain.Order{}, fmt.Errorf("mark order paid: %w", err)
		}
		order.PaymentStatus = domain.PaymentStatusPaid
		order.TransactionID = outcome.TransactionID
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: commit create order: %v", domain.ErrTransient, err)
	}

	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	orders, err := r.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return orders[0], nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY id DESC`, userID)
}

func (r *orderRepository) List(ctx context.Context) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id DESC`)
}

func (r *orderRepository) UpdateStatus(ctx context.Context, id int64, status domain.OrderStatus) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, int(status))
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	return r.Get(ctx, id)
}

func (r *orderRepository) getBySource(ctx context.Context, sourceMessageID string) (domain.Order, error) {
	orders, err := r.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE source_message_id = $1`, sourceMessageID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		// Конкурирующая транзакция ещё не зафиксирована.
		return domain.Order{}, fmt.Errorf("%w: message %s is being ingested", domain.ErrTransient, sourceMessageID)
	}
	return orders[0], nil
}

func (r *orderRepository) query(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	index := make(map[int64]int)
	ids := make([]int64, 0)
	for rows.Next() {
		var (
			order         domain.Order
			total         string
			status        int
			paymentStatus string
		)
		if err := rows.Scan(
			&order.ID, &order.UserID, &total, &status, &paymentStatus, &order.PaymentMethod, &order.TransactionID,
			&order.Shipping.Name, &order.Shipping.Address, &order.Shipping.City, &order.Shipping.Zip,
			&order.Shipping.Country, &order.Shipping.DeliveryDate,
			&order.SourceMessageID, &order.CreatedAt, &order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		if order.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total of order %d: %w", order.ID, err)
		}
		order.Status = domain.OrderStatus(status)
		order.PaymentStatus = domain.PaymentStatus(paymentStatus)
		order.Shipping.PaymentMethod = order.PaymentMethod
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()

		index[order.ID] = len(orders)
		ids = append(ids, order.ID)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	if len(ids) == 0 {
		return orders, nil
	}

	if err := r.loadItems(ctx, ids, func(orderID int64, item domain.OrderItem) {
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}); err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderIDs []int64, add func(int64, domain.OrderItem)) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`, orderIDs)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID int64
			item    domain.OrderItem
			price   string
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &price); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse unit price: %w", err)
		}
		add(orderID, item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var _ domain.OrderRepository = (*orderRepository)(nil)
