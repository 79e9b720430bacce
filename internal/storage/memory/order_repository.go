package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// OrderRepository хранит заказы в памяти: реализация domain.OrderRepository для локального запуска и тестов.
// Заказ становится видимым только после успешного settle, что повторяет семантику транзакции.
type OrderRepository struct {
	mu       sync.RWMutex
	nextID   int64
	orders   map[int64]domain.Order
	bySource map[string]int64
	inFlight map[string]struct{}
	// users == nil отключает проверку существования пользователя.
	users map[int64]struct{}

	// FailCreate, если задана, возвращается вместо фиксации заказа.
	FailCreate error
}

// NewOrderRepository возвращает пустой репозиторий.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:   make(map[int64]domain.Order),
		bySource: make(map[string]int64),
		inFlight: make(map[string]struct{}),
	}
}

// WithUsers включает проверку ссылочной целостности по списку пользователей.
func (r *OrderRepository) WithUsers(ids ...int64) *OrderRepository {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.users == nil {
		r.users = make(map[int64]struct{}, len(ids))
	}
	for _, id := range ids {
		r.users[id] = struct{}{}
	}
	return r
}

// RemoveUser имитирует удаление аккаунта в сервисе авторизации.
func (r *OrderRepository) RemoveUser(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Create резервирует идентификатор, вызывает settle и только после этого сохраняет заказ.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order, settle domain.SettleFunc) (domain.Order, error) {
	key := order.SourceMessageID

	r.mu.Lock()
	if r.users != nil {
		if _, ok := r.users[order.UserID]; !ok {
			r.mu.Unlock()
			return domain.Order{}, fmt.Errorf("%w: user %d", domain.ErrStaleCredential, order.UserID)
		}
	}
	if key != "" {
		if id, ok := r.bySource[key]; ok {
			existing := cloneOrder(r.orders[id])
			r.mu.Unlock()
			return existing, domain.ErrOrderAlreadyIngested
		}
		if _, ok := r.inFlight[key]; ok {
			r.mu.Unlock()
			return domain.Order{}, fmt.Errorf("%w: message %s is being ingested", domain.ErrTransient, key)
		}
		r.inFlight[key] = struct{}{}
	}
	r.nextID++
	order.ID = r.nextID
	r.mu.Unlock()

	if key != "" {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, key)
			r.mu.Unlock()
		}()
	}

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == 0 {
		order.Status = domain.OrderStatusPlaced
	}
	order.PaymentStatus = domain.PaymentStatusPending

	if settle != nil {
		outcome, err := settle(ctx, order)
		if err != nil {
			return domain.Order{}, err
		}
		order.PaymentStatus = domain.PaymentStatusPaid
		order.TransactionID = outcome.TransactionID
	}

	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCreate != nil {
		return domain.Order{}, r.FailCreate
	}
	r.orders[order.ID] = cloneOrder(order)
	if key != "" {
		r.bySource[key] = order.ID
	}
	return cloneOrder(order), nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *OrderRepository) Get(_ context.Context, id int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя, новые первыми.
func (r *OrderRepository) ListByUser(_ context.Context, userID int64) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.UserID == userID }), nil
}

// List возвращает все заказы, новые первыми.
func (r *OrderRepository) List(_ context.Context) ([]domain.Order, error) {
	return r.list(func(domain.Order) bool { return true }), nil
}

// UpdateStatus меняет статус отслеживания.
func (r *OrderRepository) UpdateStatus(_ context.Context, id int64, status domain.OrderStatus) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	r.orders[id] = order
	return cloneOrder(order), nil
}

// Count возвращает число сохранённых заказов (используется в тестах).
func (r *OrderRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

func (r *OrderRepository) list(match func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if match(order) {
			result = append(result, cloneOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	return order
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
