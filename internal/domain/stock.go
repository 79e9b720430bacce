package domain

import "time"

// StockRecord хранит остаток по товару; quantity никогда не уходит в минус.
type StockRecord struct {
	ProductID int64
	Quantity  int
	UpdatedAt time.Time
}

// StockLine задаёт, сколько единиц товара списать по событию.
type StockLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// Valid отбрасывает строки без товара или с неположительным количеством.
func (l StockLine) Valid() bool {
	return l.ProductID > 0 && l.Quantity > 0
}
