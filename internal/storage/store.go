package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("storage: session not found")
	ErrAlreadyExists = errors.New("storage: session already exists")
	ErrConflict      = errors.New("storage: session changed concurrently")

	// ErrPaymentRefTaken means the ledger reference is already committed
	// to a different session
	ErrPaymentRefTaken = errors.New("storage: payment reference already committed to another session")
)

// Store is the session store every component is handed at construction.
// Backends: sqlite (default), in-memory, redis.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	FindByAddress(ctx context.Context, addressRaw string) (*Session, error)
	FindByReference(ctx context.Context, referenceID string) (*Session, error)
	FindByPaymentRef(ctx context.Context, txRef string) (*Session, error)

	// Create inserts a new session. ErrAlreadyExists when the id,
	// address or reference is taken.
	Create(ctx context.Context, s *Session) error

	List(ctx context.Context) ([]*Session, error)

	// UpdateIfUnchanged writes s only when the stored Version still equals
	// s.Version, then bumps s.Version. ErrConflict otherwise.
	UpdateIfUnchanged(ctx context.Context, s *Session) error

	Delete(ctx context.Context, id string) error
	Close() error
}

const maxMutateAttempts = 5

// ErrSkipUpdate may be returned by a Mutate callback to leave the session untouched
var ErrSkipUpdate = errors.New("storage: update skipped")

// Mutate loads the session, applies fn and writes it back with
// UpdateIfUnchanged, retrying a few times on concurrent modification.
// If fn returns ErrSkipUpdate the loaded session is returned unchanged.
func Mutate(ctx context.Context, store Store, id string, fn func(s *Session) error) (*Session, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return current, nil
			}
			return nil, err
		}

		err = store.UpdateIfUnchanged(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate session %s: %w", id, ErrConflict)
}
