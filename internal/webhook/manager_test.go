package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

type fakeTonAPI struct {
	mu           sync.Mutex
	webhooks     []tonapi.Webhook
	created      int
	subscribed   []string
	unsubscribed []string
}

func (f *fakeTonAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/webhooks":
			json.NewEncoder(w).Encode(tonapi.WebhookListResponse{Webhooks: f.webhooks})
		case r.Method == http.MethodPost && r.URL.Path == "/webhooks":
			f.created++
			json.NewEncoder(w).Encode(tonapi.Webhook{ID: 42, Endpoint: "https://paywall.example/webhook"})
		case r.URL.Path == "/webhooks/42/account-tx/subscribe":
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.subscribed = append(f.subscribed, body["accounts"]...)
		case r.URL.Path == "/webhooks/42/account-tx/unsubscribe":
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.unsubscribed = append(f.unsubscribed, body["accounts"]...)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func addSession(t *testing.T, store storage.Store, id, addr string, paid bool) {
	t.Helper()
	now := time.Now()
	s := &storage.Session{
		ID:               id,
		CustodialAddress: addr,
		ReferenceID:      "ref-" + id,
		CreatedAt:        now,
		TrialExpiresAt:   now.Add(time.Hour),
	}
	if paid {
		expires := now.Add(time.Hour)
		s.IsPaid = true
		s.AmountReceived = 1
		s.PaymentReceivedAt = &now
		s.AccessExpiresAt = &expires
	}
	require.NoError(t, store.Create(context.Background(), s))
}

func TestManager_SyncSubscribesUnpaidSessions(t *testing.T) {
	api := &fakeTonAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	addSession(t, store, "a", "0:00000000000000000000000000000000000000000000000000000000000000a1", false)
	addSession(t, store, "b", "0:00000000000000000000000000000000000000000000000000000000000000b2", true)

	m := NewManager(store, tonapi.NewClient(srv.URL, "", 1000), "https://paywall.example/webhook", testLogger())
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx), "sync before init is a no-op")
	require.NoError(t, m.Init(ctx))
	assert.Equal(t, 1, api.created)

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, []string{"0:00000000000000000000000000000000000000000000000000000000000000a1"}, api.subscribed)
	assert.Equal(t, 1, m.Subscribed())

	_, err := storage.Mutate(ctx, store, "a", func(s *storage.Session) error {
		now := time.Now()
		s.IsPaid = true
		s.AmountReceived = 1
		s.PaymentReceivedAt = &now
		s.AccessExpiresAt = &now
		return nil
	})
	require.NoError(t, err)
	addSession(t, store, "c", "0:00000000000000000000000000000000000000000000000000000000000000c3", false)

	require.NoError(t, m.Sync(ctx))
	sort.Strings(api.subscribed)
	assert.Len(t, api.subscribed, 2)
	assert.Equal(t, []string{"0:00000000000000000000000000000000000000000000000000000000000000a1"}, api.unsubscribed)
	assert.Equal(t, 1, m.Subscribed())
}

func TestManager_ReusesExistingWebhook(t *testing.T) {
	api := &fakeTonAPI{webhooks: []tonapi.Webhook{{
		ID:       42,
		Endpoint: "https://paywall.example/webhook",
		Accounts: []string{"0:00000000000000000000000000000000000000000000000000000000000000a1"},
	}}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	m := NewManager(storage.NewMemory(), tonapi.NewClient(srv.URL, "", 1000), "https://paywall.example/webhook", testLogger())
	require.NoError(t, m.Init(context.Background()))
	assert.Zero(t, api.created)
	assert.Equal(t, 1, m.Subscribed())

	require.NoError(t, m.Sync(context.Background()))
	assert.Len(t, api.unsubscribed, 1)
	assert.Zero(t, m.Subscribed())
}

func TestManager_NoEndpoint(t *testing.T) {
	m := NewManager(storage.NewMemory(), nil, "", testLogger())
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Sync(context.Background()))
}
