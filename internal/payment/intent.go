package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// Intent tells the payer where and how much to send
type Intent struct {
	PaymentAddress string    `json:"paymentAddress"`
	ReferenceID    string    `json:"referenceId"`
	Amount         float64   `json:"amount"` // TON
	AmountNano     int64     `json:"amountNano"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Intents creates payment intents for existing sessions
type Intents struct {
	store    storage.Store
	required int64
	ttl      time.Duration
	testnet  bool
	now      func() time.Time
}

func NewIntents(store storage.Store, required int64, ttl time.Duration, testnet bool) *Intents {
	return &Intents{
		store:    store,
		required: required,
		ttl:      ttl,
		testnet:  testnet,
		now:      time.Now,
	}
}

// Create returns the payment instructions for sessionID. The address is the
// session's own custodial wallet, so the intent is stable across calls.
func (i *Intents) Create(ctx context.Context, sessionID string) (*Intent, error) {
	s, err := i.store.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if s.IsPaid {
		return nil, ErrAlreadyPaid
	}

	return &Intent{
		PaymentAddress: tonapi.RawToFriendly(s.CustodialAddress, false, i.testnet),
		ReferenceID:    s.ReferenceID,
		Amount:         tonapi.NanoToTON(i.required),
		AmountNano:     i.required,
		ExpiresAt:      i.now().Add(i.ttl),
	}, nil
}
