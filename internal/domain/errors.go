package domain

import "errors"

var (
	// ErrInvalidInput: пустой или некорректный запрос (нет позиций, нет ни одной валидной позиции).
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthenticated: шлюз не передал идентичность пользователя.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrStaleCredential: пользователь из токена больше не существует (нарушение FK при вставке).
	ErrStaleCredential = errors.New("user account not found")
	// ErrForbidden: роль не допускает операцию (администратор не оформляет заказы).
	ErrForbidden = errors.New("forbidden")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound: в складском учёте нет записи по товару.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock: остатка не хватает для списания/резерва.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentUnavailable: платёж не прошёл: сработал fallback брейкера или шлюз вернул ошибку.
	ErrPaymentUnavailable = errors.New("payment service unavailable")
	// ErrDuplicateEvent: событие уже есть в журнале обработанных, повтор не применяется.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrOrderAlreadyIngested: сообщение очереди уже превращено в заказ.
	ErrOrderAlreadyIngested = errors.New("order already ingested")
	// ErrTransient: временная ошибка хранилища или транспорта, можно повторить.
	ErrTransient = errors.New("transient failure")
	// ErrEventNotFound: запись о недоставленном событии отсутствует.
	ErrEventNotFound = errors.New("undelivered event not found")
)

// IsBusinessRejection сообщает, что ошибка окончательная и повтор её не исправит.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInsufficientStock)
}
