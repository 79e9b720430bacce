package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role задаёт роль пользователя, которую передаёт API-шлюз.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Identity описывает проверенную шлюзом идентичность вызывающего.
type Identity struct {
	UserID int64
	Role   Role
}

// IsAdmin сравнивает роль без учёта регистра.
func (i Identity) IsAdmin() bool {
	return strings.EqualFold(string(i.Role), string(RoleAdmin))
}

// DefaultPaymentMethod записывается, если клиент не указал способ оплаты.
const DefaultPaymentMethod = "EXTERNAL_MOCK"

// OrderItem представляет одну нормализованную позицию заказа.
type OrderItem struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// LineTotal возвращает quantity * unitPrice.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemInput хранит позицию в том виде, в котором она пришла от клиента.
// Поля хранятся текстом: разбор и отбраковка выполняются в NormalizeItems.
type ItemInput struct {
	ProductID string
	Quantity  string
	Price     string
}

// UnmarshalJSON никогда не возвращает ошибку: битое поле просто остаётся пустым,
// и позиция отбрасывается при нормализации, не ломая разбор всего списка.
func (in *ItemInput) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*in = ItemInput{}
		return nil
	}
	in.ProductID = scalarText(raw, "product_id", "productId")
	in.Quantity = scalarText(raw, "quantity", "qty")
	in.Price = scalarText(raw, "price", "unit_price", "unitPrice")
	return nil
}

// MarshalJSON пишет позицию в каноническом виде (используется очередью async-заказов).
func (in ItemInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"product_id": in.ProductID,
		"quantity":   in.Quantity,
		"price":      in.Price,
	})
}

func scalarText(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		value = bytes.TrimSpace(value)
		if len(value) == 0 {
			return ""
		}
		if value[0] == '"' {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return ""
			}
			return strings.TrimSpace(s)
		}
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil {
			return ""
		}
		return n.String()
	}
	return ""
}

// NormalizeItems оставляет только позиции с положительным целым product_id,
// положительным целым количеством и неотрицательной ценой.
func NormalizeItems(inputs []ItemInput) []OrderItem {
	items := make([]OrderItem, 0, len(inputs))
	for _, in := range inputs {
		productID, ok := parsePositiveInt(in.ProductID)
		if !ok {
			continue
		}
		qty, ok := parsePositiveInt(in.Quantity)
		if !ok || qty > int64(maxQuantity) {
			continue
		}
		price, err := decimal.NewFromString(in.Price)
		if err != nil || price.IsNegative() {
			continue
		}
		items = append(items, OrderItem{
			ProductID: productID,
			Quantity:  int(qty),
			UnitPrice: price,
		})
	}
	return items
}

const maxQuantity = 1 << 30

func parsePositiveInt(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v, v > 0
	}
	// "3.0" и "3e0" тоже целые числа.
	d, err := decimal.NewFromString(text)
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return 0, false
	}
	if d.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, false
	}
	return d.IntPart(), true
}

// OrderTotal считает сумму заказа и округляет её до копеек.
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total.Round(2)
}

// ShippingInfo хранит снимок данных доставки по значению.
type ShippingInfo struct {
	Name          string `json:"shipping_name,omitempty"`
	Address       string `json:"shipping_address,omitempty"`
	City          string `json:"shipping_city,omitempty"`
	Zip           string `json:"shipping_zip,omitempty"`
	Country       string `json:"shipping_country,omitempty"`
	DeliveryDate  string `json:"delivery_date,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID            int64
	UserID        int64
	Items         []OrderItem
	Total         decimal.Decimal
	Status        OrderStatus
	PaymentStatus PaymentStatus
	PaymentMethod string
	TransactionID string
	Shipping      ShippingInfo
	// SourceMessageID служит ключом идемпотентности для заказов из очереди.
	SourceMessageID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	errItemsRequired  = errors.New("order must contain at least one item")
	errAmountMismatch = errors.New("order total does not match items sum")
	errUserRequired   = errors.New("user_id is required")
)

// Validate проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) Validate() []error {
	var errs []error

	if o.UserID <= 0 {
		errs = append(errs, errUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, errItemsRequired)
	}
	for _, item := range o.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 || item.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("%w: item for product %d", ErrInvalidInput, item.ProductID))
		}
	}
	if !OrderTotal(o.Items).Equal(o.Total) {
		errs = append(errs, errAmountMismatch)
	}
	if !o.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: status %d", ErrInvalidInput, int(o.Status)))
	}
	if !o.PaymentStatus.Valid() {
		errs = append(errs, fmt.Errorf("%w: payment status %q", ErrInvalidInput, o.PaymentStatus))
	}

	return errs
}

// StockLines сворачивает позиции в строки складского события.
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
