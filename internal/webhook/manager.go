package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// Manager keeps the TonAPI account-tx webhook subscribed to the custodial
// wallets of sessions that are still waiting for payment
type Manager struct {
	store    storage.Store
	tonAPI   *tonapi.Client
	endpoint string
	log      *slog.Logger

	mu         sync.Mutex
	webhookID  int64
	subscribed map[string]bool
}

func NewManager(store storage.Store, tonAPI *tonapi.Client, endpoint string, log *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		tonAPI:     tonAPI,
		endpoint:   endpoint,
		log:        log,
		subscribed: make(map[string]bool),
	}
}

// Init finds or creates the webhook for our endpoint
func (m *Manager) Init(ctx context.Context) error {
	if m.endpoint == "" {
		m.log.Warn("webhook endpoint not set, skipping webhook init")
		return nil
	}

	webhooks, err := m.tonAPI.ListWebhooks(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wh := range webhooks {
		if wh.Endpoint == m.endpoint {
			m.webhookID = wh.ID
			for _, addr := range wh.Accounts {
				m.subscribed[tonapi.NormalizeAddress(addr)] = true
			}
			m.log.Info("using existing webhook", "id", wh.ID, "accounts", len(wh.Accounts))
			return nil
		}
	}

	webhook, err := m.tonAPI.CreateWebhook(ctx, m.endpoint)
	if err != nil {
		return err
	}

	m.webhookID = webhook.ID
	m.log.Info("created new webhook", "id", webhook.ID)

	return nil
}

// Sync subscribes unpaid sessions' wallets and drops the rest
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.webhookID == 0 {
		return nil
	}

	sessions, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	needed := make(map[string]bool)
	for _, s := range sessions {
		if !s.IsPaid {
			needed[s.CustodialAddress] = true
		}
	}

	var toAdd []string
	for addr := range needed {
		if !m.subscribed[addr] {
			toAdd = append(toAdd, addr)
		}
	}

	var toRemove []string
	for addr := range m.subscribed {
		if !needed[addr] {
			toRemove = append(toRemove, addr)
		}
	}

	if len(toAdd) > 0 {
		if err := m.tonAPI.SubscribeAccounts(ctx, m.webhookID, toAdd); err != nil {
			m.log.Error("subscribe accounts", "error", err, "count", len(toAdd))
		} else {
			for _, addr := range toAdd {
				m.subscribed[addr] = true
			}
			m.log.Info("subscribed accounts", "count", len(toAdd))
		}
	}

	if len(toRemove) > 0 {
		if err := m.tonAPI.UnsubscribeAccounts(ctx, m.webhookID, toRemove); err != nil {
			m.log.Error("unsubscribe accounts", "error", err, "count", len(toRemove))
		} else {
			for _, addr := range toRemove {
				delete(m.subscribed, addr)
			}
			m.log.Info("unsubscribed accounts", "count", len(toRemove))
		}
	}

	return nil
}

// Subscribed returns how many accounts are currently subscribed
func (m *Manager) Subscribed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribed)
}
