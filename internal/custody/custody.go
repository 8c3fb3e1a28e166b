// Package custody generates and reconstructs the disposable per-session TON
// wallets that receive payments. It holds no long-lived secret state: the
// seed of each wallet lives only in the session record, optionally sealed
// with an age identity.
package custody

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"
)

// ErrMalformedSecret is returned when stored secret material cannot be
// turned back into a signing key
var ErrMalformedSecret = errors.New("custody: malformed secret")

const seedWords = 24

// Account is a freshly provisioned custodial wallet
type Account struct {
	Address         string // raw 0:... form
	FriendlyAddress string // non-bounceable user-friendly form for payers
	Secret          string
}

// Signer is the signing capability of one custodial wallet
type Signer struct {
	address string
	key     ed25519.PrivateKey
}

func (s *Signer) Address() string                { return s.address }
func (s *Signer) PrivateKey() ed25519.PrivateKey { return s.key }

// Custodian provisions V4R2 wallets
type Custodian struct {
	testnet bool
	sealer  *Sealer
}

// New creates a custodian. sealer may be nil, in which case secrets are
// stored as plain seed phrases.
func New(testnet bool, sealer *Sealer) *Custodian {
	return &Custodian{testnet: testnet, sealer: sealer}
}

// Provision generates a new wallet for sessionID
func (c *Custodian) Provision(sessionID string) (Account, error) {
	seed := wallet.RandomSeed()

	key, err := wallet.SeedToPrivateKey(seed)
	if err != nil {
		return Account{}, fmt.Errorf("derive key for session %s: %w", sessionID, err)
	}

	addr, err := walletAddress(key)
	if err != nil {
		return Account{}, fmt.Errorf("derive address for session %s: %w", sessionID, err)
	}

	secret := seed
	if c.sealer != nil {
		secret, err = c.sealer.Seal(seed)
		if err != nil {
			return Account{}, fmt.Errorf("seal secret for session %s: %w", sessionID, err)
		}
	}

	return Account{
		Address:         addr.String(),
		FriendlyAddress: addr.ToHuman(false, c.testnet),
		Secret:          secret,
	}, nil
}

// Reconstruct rebuilds the signer from stored secret material
func (c *Custodian) Reconstruct(secret string) (*Signer, error) {
	seed := secret
	if IsSealed(secret) {
		if c.sealer == nil {
			return nil, fmt.Errorf("%w: sealed secret but no identity configured", ErrMalformedSecret)
		}
		var err error
		seed, err = c.sealer.Open(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
		}
	}

	if len(strings.Fields(seed)) != seedWords {
		return nil, fmt.Errorf("%w: expected %d seed words", ErrMalformedSecret, seedWords)
	}

	key, err := wallet.SeedToPrivateKey(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	addr, err := walletAddress(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	return &Signer{address: addr.String(), key: key}, nil
}

func walletAddress(key ed25519.PrivateKey) (ton.AccountID, error) {
	w, err := wallet.New(key, wallet.V4R2, nil)
	if err != nil {
		return ton.AccountID{}, err
	}
	return w.GetAddress(), nil
}
