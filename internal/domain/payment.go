package domain

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	// PaymentStatusPending: оплата не проводилась (в том числе у заказов из очереди).
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid: шлюз подтвердил списание.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed: оплата отклонена.
	PaymentStatusFailed PaymentStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

const (
	PaymentOutcomeSuccess = "success"
	PaymentOutcomeFailed  = "failed"
)

// PaymentOutcome описывает единообразный ответ платёжного шлюза (или fallback брейкера).
type PaymentOutcome struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// Succeeded сообщает, что списание подтверждено.
func (p PaymentOutcome) Succeeded() bool {
	return p.Status == PaymentOutcomeSuccess
}
