// Package ledger is the capability surface over the TON network that the
// payment and sweep flows consume. The concrete client is chosen once at
// startup: the TON-backed adapter in production, Memory in development and
// tests.
package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"
)

var (
	ErrStaleReference      = errors.New("ledger: stale block reference")
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrSignerMismatch      = errors.New("ledger: signer does not own source account")
	ErrTransferNotFound    = errors.New("ledger: transfer not found")
)

// BlockRef is the replay-protection input a transfer is built against.
// For TON wallets this is the wallet seqno at the time of the fetch.
type BlockRef struct {
	Seqno     uint32
	FetchedAt time.Time
}

// Transfer moves Amount nanoTON from From to To
type Transfer struct {
	From    string
	To      string
	Amount  int64
	Ref     BlockRef
	Comment string
}

// Signer is the reconstructed signing capability of a custodial account
type Signer interface {
	Address() string
	PrivateKey() ed25519.PrivateKey
}

// Client is the black-box ledger surface
type Client interface {
	// Balance returns the spendable balance in nanoTON. Unknown accounts
	// have zero balance.
	Balance(ctx context.Context, address string) (int64, error)

	// BlockReference fetches a fresh reference for building a transfer
	// from address. References must not be reused across attempts.
	BlockReference(ctx context.Context, address string) (BlockRef, error)

	// Submit signs and broadcasts the transfer, returning its reference
	Submit(ctx context.Context, signer Signer, t Transfer) (string, error)

	// AwaitConfirmation blocks until the transfer is applied or ctx ends.
	// A context deadline surfaces as ErrConfirmationTimeout.
	AwaitConfirmation(ctx context.Context, t Transfer, txRef string) error
}

// Incoming is a confirmed transfer credited to a watched account
type Incoming struct {
	TxRef  string
	From   string
	Amount int64
	At     time.Time
}

// History is implemented by clients that can list transfers into an account
type History interface {
	RecentIncoming(ctx context.Context, address string, limit int) ([]Incoming, error)
	IncomingByRef(ctx context.Context, address, txRef string) (Incoming, error)
}
