package webhook

import (
	"strings"

	"github.com/google/uuid"

	"github.com/suspectuso/ton-paywall/internal/payment"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// ValidateSessionID returns the canonical form of a session id
func ValidateSessionID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &payment.ValidationError{Field: "sessionId", Message: "required"}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", &payment.ValidationError{Field: "sessionId", Message: "not a valid session id"}
	}
	return id.String(), nil
}

// ValidateAddress returns the raw 0:... form of a TON address
func ValidateAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &payment.ValidationError{Field: "address", Message: "required"}
	}
	addr, err := tonapi.ParseAddress(raw)
	if err != nil {
		return "", &payment.ValidationError{Field: "address", Message: "not a valid TON address"}
	}
	return addr, nil
}
