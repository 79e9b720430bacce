package domain_test

import (
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestLegacyCodeRoundTrip(t *testing.T) {
	cases := map[int]string{1: "placed", 2: "preparing", 3: "shipped", 4: "delivered", 5: "cancelled"}
	for code, name := range cases {
		status, err := domain.StatusFromLegacyCode(code)
		if err != nil {
			t.Fatalf("code %d: %v", code, err)
		}
		if status.String() != name {
			t.Errorf("code %d: expected %s, got %s", code, name, status)
		}
		if status.LegacyCode() != code {
			t.Errorf("status %s: expected code %d, got %d", status, code, status.LegacyCode())
		}
	}
}

func TestStatusFromLegacyCode_Unknown(t *testing.T) {
	for _, code := range []int{0, 6, -1} {
		if _, err := domain.StatusFromLegacyCode(code); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("code %d: expected ErrInvalidInput, got %v", code, err)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, err := domain.ParseOrderStatus(" Shipped ")
	if err != nil || status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %v (%v)", status, err)
	}
	status, err = domain.ParseOrderStatus("canceled")
	if err != nil || status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %v (%v)", status, err)
	}
	if _, err := domain.ParseOrderStatus("lost"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
