package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	staleCredentialMessage = "User account not found. Please log out and sign up again."
	paymentFailedMessage   = "Payment Failed"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"message": message})
}

// writeError переводит доменную ошибку в HTTP-ответ. Внутренние причины наружу не отдаются.
func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	code, message := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
	}
	writeMessage(w, code, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, domain.ErrStaleCredential):
		return http.StatusUnauthorized, staleCredentialMessage
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "Insufficient stock"
	case errors.Is(err, domain.ErrPaymentUnavailable):
		return http.StatusInternalServerError, paymentFailedMessage
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
