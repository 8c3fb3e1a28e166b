package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMemoryFee is the network fee Memory charges per transfer
const DefaultMemoryFee int64 = 5_000_000

// Memory is an in-process ledger with the same failure surface as the
// network: stale references, lost submissions and rejected transfers.
type Memory struct {
	mu sync.Mutex

	fee      int64
	balances map[string]int64
	seqnos   map[string]uint32
	incoming map[string][]Incoming

	confirmed map[string]bool
	submitted []Transfer

	failNext map[string]error
	dropNext map[string]bool
	balErr   map[string]error

	submitHook func(t Transfer)
	now        func() time.Time
}

// NewMemory creates an empty in-memory ledger charging fee per transfer
func NewMemory(fee int64) *Memory {
	return &Memory{
		fee:       fee,
		balances:  make(map[string]int64),
		seqnos:    make(map[string]uint32),
		incoming:  make(map[string][]Incoming),
		confirmed: make(map[string]bool),
		failNext:  make(map[string]error),
		dropNext:  make(map[string]bool),
		balErr:    make(map[string]error),
		now:       time.Now,
	}
}

// Fund credits address as if an external wallet paid into it
func (m *Memory) Fund(address string, amount int64, txRef, from string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[address] += amount
	m.incoming[address] = append(m.incoming[address], Incoming{
		TxRef:  txRef,
		From:   from,
		Amount: amount,
		At:     m.now(),
	})
}

// FailNextSubmit makes the next submission from address fail with err
func (m *Memory) FailNextSubmit(address string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[address] = err
}

// DropNextSubmit accepts the next submission from address but never applies
// it, so confirmation waits until the caller gives up
func (m *Memory) DropNextSubmit(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropNext[address] = true
}

// FailBalance makes balance lookups for address fail until cleared with nil
func (m *Memory) FailBalance(address string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.balErr, address)
		return
	}
	m.balErr[address] = err
}

// OnSubmit registers a hook called for every accepted submission
func (m *Memory) OnSubmit(hook func(t Transfer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitHook = hook
}

// Submitted returns every accepted submission in order
func (m *Memory) Submitted() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.submitted...)
}

func (m *Memory) Balance(_ context.Context, address string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.balErr[address]; err != nil {
		return 0, err
	}
	return m.balances[address], nil
}

func (m *Memory) BlockReference(_ context.Context, address string) (BlockRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return BlockRef{Seqno: m.seqnos[address], FetchedAt: m.now()}, nil
}

func (m *Memory) Submit(_ context.Context, signer Signer, t Transfer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if signer == nil || signer.Address() != t.From {
		return "", ErrSignerMismatch
	}
	if err, ok := m.failNext[t.From]; ok {
		delete(m.failNext, t.From)
		return "", err
	}
	if t.Ref.Seqno != m.seqnos[t.From] {
		return "", fmt.Errorf("seqno %d, wallet at %d: %w", t.Ref.Seqno, m.seqnos[t.From], ErrStaleReference)
	}
	if t.Amount <= 0 || t.Amount+m.fee > m.balances[t.From] {
		return "", ErrInsufficientFunds
	}

	txRef := fmt.Sprintf("%s:%d", t.From, t.Ref.Seqno)
	m.submitted = append(m.submitted, t)
	if m.submitHook != nil {
		m.submitHook(t)
	}

	if m.dropNext[t.From] {
		delete(m.dropNext, t.From)
		return txRef, nil
	}

	m.balances[t.From] -= t.Amount + m.fee
	m.balances[t.To] += t.Amount
	m.seqnos[t.From]++
	m.confirmed[txRef] = true

	return txRef, nil
}

func (m *Memory) AwaitConfirmation(ctx context.Context, _ Transfer, txRef string) error {
	m.mu.Lock()
	ok := m.confirmed[txRef]
	m.mu.Unlock()

	if ok {
		return nil
	}

	<-ctx.Done()
	return fmt.Errorf("%s: %w", txRef, ErrConfirmationTimeout)
}

func (m *Memory) RecentIncoming(_ context.Context, address string, limit int) ([]Incoming, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.incoming[address]
	result := make([]Incoming, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (m *Memory) IncomingByRef(_ context.Context, address, txRef string) (Incoming, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, in := range m.incoming[address] {
		if in.TxRef == txRef {
			return in, nil
		}
	}
	return Incoming{}, ErrTransferNotFound
}
