package tonapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rawAddr  = "0:e2d41ed396a9f1ba03839d63c5650fafc6fd9a5c2c02e6c4e7d95b5f4a4f2a3c"
	rawOther = "0:0000000000000000000000000000000000000000000000000000000000000001"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-key", 1000)
}

func TestClient_GetAccountInfo(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/"+rawAddr, r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(AccountInfo{Address: rawAddr, Balance: 1_500_000_000, Status: "active"})
	})

	info, err := c.GetAccountInfo(context.Background(), rawAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000_000), info.Balance)
}

func TestClient_GetSeqno(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wallet/"+rawAddr+"/seqno" {
			w.Write([]byte(`{"seqno": 7}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	seqno, err := c.GetSeqno(context.Background(), rawAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), seqno)

	seqno, err = c.GetSeqno(context.Background(), rawOther)
	require.NoError(t, err)
	assert.Zero(t, seqno)
}

func TestClient_APIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	})

	_, err := c.GetEvents(context.Background(), rawAddr, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestEvent_IncomingTransfers(t *testing.T) {
	ev := Event{
		EventID: "ev1",
		Actions: []Action{
			{Type: "TonTransfer", Status: "ok", TonTransfer: &TonTransfer{Recipient: Account{Address: rawAddr}, Amount: 100}},
			{Type: "TonTransfer", Status: "failed", TonTransfer: &TonTransfer{Recipient: Account{Address: rawAddr}, Amount: 200}},
			{Type: "TonTransfer", Status: "ok", TonTransfer: &TonTransfer{Recipient: Account{Address: rawOther}, Amount: 300}},
			{Type: "JettonTransfer", Status: "ok"},
		},
	}

	got := ev.IncomingTransfers(rawAddr)
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].Amount)
}

func TestAmountConversion(t *testing.T) {
	assert.Equal(t, int64(1_000_000_000), TONToNano(1))
	assert.Equal(t, int64(10_000_000), TONToNano(0.01))
	assert.Equal(t, int64(123_456_789), TONToNano(0.123456789))
	assert.InDelta(t, 2.5, NanoToTON(2_500_000_000), 1e-12)
}

func TestParseAddress(t *testing.T) {
	raw, err := ParseAddress(rawAddr)
	require.NoError(t, err)
	assert.Equal(t, rawAddr, raw)

	friendly := RawToFriendly(rawAddr, true, false)
	assert.NotEqual(t, rawAddr, friendly)
	back, err := ParseAddress(friendly)
	require.NoError(t, err)
	assert.Equal(t, rawAddr, back)

	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)
	assert.Equal(t, "not-an-address", NormalizeAddress("not-an-address"))
}

func TestShortAddr(t *testing.T) {
	assert.Equal(t, "unknown", ShortAddr("", 4))
	assert.Equal(t, "abc", ShortAddr("abc", 4))
	assert.Equal(t, "0:e2...2a3c", ShortAddr(rawAddr, 4))
}
