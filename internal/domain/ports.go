package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SettleFunc выполняется внутри транзакции создания заказа, когда заказ и позиции уже вставлены.
// Ошибка откатывает всю транзакцию.
type SettleFunc func(ctx context.Context, order Order) (PaymentOutcome, error)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create в одной транзакции вставляет заказ и позиции, вызывает settle и фиксирует.
	// При settle == nil оплата остаётся pending. Заказ с уже известным SourceMessageID
	// даёт ErrOrderAlreadyIngested вместе с ранее созданным заказом.
	Create(ctx context.Context, order Order, settle SettleFunc) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id int64) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми.
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	// List возвращает все заказы, новые первыми.
	List(ctx context.Context) ([]Order, error)
	// UpdateStatus меняет статус отслеживания.
	UpdateStatus(ctx context.Context, id int64, status OrderStatus) (Order, error)
}

// PaymentGateway абстрагирует внешнего платёжного провайдера.
type PaymentGateway interface {
	Charge(ctx context.Context, amount decimal.Decimal, orderID int64) (PaymentOutcome, error)
}

// StockRepository ведёт складской учёт с построчными блокировками.
type StockRepository interface {
	Get(ctx context.Context, productID int64) (StockRecord, error)
	// Upsert задаёт остаток товара (сидирование и админские правки).
	Upsert(ctx context.Context, productID int64, quantity int) (StockRecord, error)
	// Reserve уменьшает остаток одной строки под блокировкой.
	Reserve(ctx context.Context, productID int64, quantity int) error
	// Release безусловно увеличивает остаток; found=false, если строки нет.
	Release(ctx context.Context, productID int64, quantity int) (found bool, err error)
	// DecrementBatch списывает все строки в одной транзакции: всё или ничего.
	// Непустой ledgerKey записывается в журнал идемпотентности в той же транзакции.
	DecrementBatch(ctx context.Context, lines []StockLine, ledgerKey string) error
}

// ProcessedEventRepository хранит журнал идемпотентности потребителя событий.
type ProcessedEventRepository interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Record возвращает ErrDuplicateEvent, если ключ уже записан.
	Record(ctx context.Context, key string) error
	// DeleteOlderThan удаляет не более limit ключей старше before.
	DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int, error)
}

// EventTransport доставляет конверт события потребителям.
type EventTransport interface {
	Name() string
	Send(ctx context.Context, event DomainEvent) error
}

// QueueMessage описывает сообщение очереди async-заказов.
type QueueMessage struct {
	ID            string
	Body          []byte
	DeliveryCount int
}

// WorkQueue описывает очередь с long polling и явным удалением после обработки.
type WorkQueue interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
	// Receive ждёт не дольше wait и возвращает до max сообщений.
	Receive(ctx context.Context, max int, wait time.Duration) ([]QueueMessage, error)
	// Delete подтверждает обработку; без него сообщение будет доставлено повторно.
	Delete(ctx context.Context, msg QueueMessage) error
}

// UndeliveredEventStatus задаёт состояние записи журнала недоставленных событий.
type UndeliveredEventStatus string

const (
	UndeliveredPending     UndeliveredEventStatus = "pending"
	UndeliveredRedelivered UndeliveredEventStatus = "redelivered"
	UndeliveredFailed      UndeliveredEventStatus = "failed"
)

// UndeliveredEvent описывает событие, которое не удалось опубликовать после коммита заказа.
type UndeliveredEvent struct {
	ID        string
	Event     DomainEvent
	Transport string
	LastError string
	Attempts  int
	Status    UndeliveredEventStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UndeliveredEventStats описывает backlog журнала недоставленных событий.
type UndeliveredEventStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// UndeliveredEventRepository служит точкой сверки и аудита потерянных публикаций.
type UndeliveredEventRepository interface {
	Record(ctx context.Context, event UndeliveredEvent) (UndeliveredEvent, error)
	PullPending(ctx context.Context, limit int) ([]UndeliveredEvent, error)
	Stats(ctx context.Context) (UndeliveredEventStats, error)
	MarkRedelivered(ctx context.Context, id string) error
	// MarkFailed увеличивает счётчик попыток; terminal переводит запись в failed.
	MarkFailed(ctx context.Context, id string, cause string, terminal bool) error
}
