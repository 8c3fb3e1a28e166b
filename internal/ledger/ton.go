package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"

	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// TON talks to the TON network: balances, seqnos and event history through
// TonAPI, message delivery through a lite server.
type TON struct {
	api          *tonapi.Client
	lite         *liteapi.Client
	pollInterval time.Duration
	log          *slog.Logger
}

// NewTON connects to the default lite servers of the chosen network
func NewTON(api *tonapi.Client, testnet bool, log *slog.Logger) (*TON, error) {
	var (
		lite *liteapi.Client
		err  error
	)
	if testnet {
		lite, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		lite, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, fmt.Errorf("connect lite servers: %w", err)
	}

	return &TON{
		api:          api,
		lite:         lite,
		pollInterval: 2 * time.Second,
		log:          log,
	}, nil
}

func (c *TON) Balance(ctx context.Context, address string) (int64, error) {
	info, err := c.api.GetAccountInfo(ctx, address)
	if errors.Is(err, tonapi.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Balance, nil
}

func (c *TON) BlockReference(ctx context.Context, address string) (BlockRef, error) {
	seqno, err := c.api.GetSeqno(ctx, address)
	if err != nil {
		return BlockRef{}, err
	}
	return BlockRef{Seqno: seqno, FetchedAt: time.Now()}, nil
}

func (c *TON) Submit(ctx context.Context, signer Signer, t Transfer) (string, error) {
	dest, err := ton.ParseAccountID(t.To)
	if err != nil {
		return "", fmt.Errorf("parse destination: %w", err)
	}

	w, err := wallet.New(signer.PrivateKey(), wallet.V4R2, c.lite)
	if err != nil {
		return "", fmt.Errorf("open wallet: %w", err)
	}
	if w.GetAddress().String() != t.From {
		return "", ErrSignerMismatch
	}

	// the wallet picks up the live seqno itself; refuse to send if it moved
	// since the reference was taken
	current, err := c.api.GetSeqno(ctx, t.From)
	if err != nil {
		return "", err
	}
	if current != t.Ref.Seqno {
		return "", fmt.Errorf("seqno %d, wallet at %d: %w", t.Ref.Seqno, current, ErrStaleReference)
	}

	msg := wallet.SimpleTransfer{
		Amount:  tlb.Grams(t.Amount),
		Address: dest,
		Comment: t.Comment,
	}
	if err := w.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	txRef := fmt.Sprintf("%s:%d", t.From, t.Ref.Seqno)
	c.log.Debug("transfer submitted", "from", t.From, "seqno", t.Ref.Seqno, "amount", t.Amount)

	return txRef, nil
}

// AwaitConfirmation polls the wallet seqno until it moves past the one the
// transfer was built against
func (c *TON) AwaitConfirmation(ctx context.Context, t Transfer, txRef string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		seqno, err := c.api.GetSeqno(ctx, t.From)
		if err == nil && seqno > t.Ref.Seqno {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			c.log.Debug("poll seqno", "tx_ref", txRef, "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", txRef, ErrConfirmationTimeout)
		case <-ticker.C:
		}
	}
}

func (c *TON) RecentIncoming(ctx context.Context, address string, limit int) ([]Incoming, error) {
	events, err := c.api.GetEvents(ctx, address, limit)
	if err != nil {
		return nil, err
	}

	var result []Incoming
	for i := range events {
		result = append(result, incomingFromEvent(&events[i], address)...)
	}
	return result, nil
}

func (c *TON) IncomingByRef(ctx context.Context, address, txRef string) (Incoming, error) {
	event, err := c.api.GetEventByHash(ctx, txRef)
	if errors.Is(err, tonapi.ErrNotFound) {
		return Incoming{}, ErrTransferNotFound
	}
	if err != nil {
		return Incoming{}, err
	}

	found := incomingFromEvent(event, address)
	if len(found) == 0 {
		return Incoming{}, ErrTransferNotFound
	}

	// several transfers in one event are credited together
	total := found[0]
	for _, in := range found[1:] {
		total.Amount += in.Amount
	}
	return total, nil
}

func incomingFromEvent(event *tonapi.Event, address string) []Incoming {
	var result []Incoming
	for _, tt := range event.IncomingTransfers(address) {
		result = append(result, Incoming{
			TxRef:  event.EventID,
			From:   tonapi.NormalizeAddress(tt.Sender.Address),
			Amount: tt.Amount,
			At:     time.Unix(event.Timestamp, 0),
		})
	}
	return result
}
