package tonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tonkeeper/tongo/ton"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned for 404 responses
var ErrNotFound = errors.New("tonapi: not found")

// Client is a TonAPI HTTP client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new TonAPI client limited to rps requests per second
func NewClient(baseURL, apiKey string, rps float64) *Client {
	if rps <= 0 {
		rps = 4
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}

	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// GetAccountInfo returns account information
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/accounts/"+address, nil)
	if err != nil {
		return nil, err
	}

	var info AccountInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &info, nil
}

// GetSeqno returns the current seqno of a wallet contract. Uninitialized
// wallets report zero.
func (c *Client) GetSeqno(ctx context.Context, address string) (uint32, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/wallet/"+address+"/seqno", nil)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var resp SeqnoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}

	return resp.Seqno, nil
}

// GetEvents returns recent events for an account
func (c *Client) GetEvents(ctx context.Context, address string, limit int) ([]Event, error) {
	path := fmt.Sprintf("/accounts/%s/events?limit=%d", address, limit)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp EventsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return resp.Events, nil
}

// GetEventByHash returns an event by transaction hash
func (c *Client) GetEventByHash(ctx context.Context, txHash string) (*Event, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/events/"+txHash, nil)
	if err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &event, nil
}

// --- Webhook Management ---

// ListWebhooks returns all webhooks
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/webhooks", nil)
	if err != nil {
		return nil, err
	}

	var resp WebhookListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return resp.Webhooks, nil
}

// CreateWebhook creates a new webhook
func (c *Client) CreateWebhook(ctx context.Context, endpoint string) (*Webhook, error) {
	body := map[string]string{"endpoint": endpoint}
	data, err := c.doRequest(ctx, http.MethodPost, "/webhooks", body)
	if err != nil {
		return nil, err
	}

	var webhook Webhook
	if err := json.Unmarshal(data, &webhook); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &webhook, nil
}

// SubscribeAccounts subscribes accounts to a webhook
func (c *Client) SubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error {
	path := fmt.Sprintf("/webhooks/%d/account-tx/subscribe", webhookID)
	body := map[string][]string{"accounts": accounts}
	_, err := c.doRequest(ctx, http.MethodPost, path, body)
	return err
}

// UnsubscribeAccounts unsubscribes accounts from a webhook
func (c *Client) UnsubscribeAccounts(ctx context.Context, webhookID int64, accounts []string) error {
	path := fmt.Sprintf("/webhooks/%d/account-tx/unsubscribe", webhookID)
	body := map[string][]string{"accounts": accounts}
	_, err := c.doRequest(ctx, http.MethodPost, path, body)
	return err
}

// --- Amount and Address Utilities ---

// NanoToTON converts nanoTON to TON
func NanoToTON(nano int64) float64 {
	return float64(nano) / 1e9
}

// TONToNano converts TON to nanoTON, rounding to the nearest unit
func TONToNano(amount float64) int64 {
	return int64(math.Round(amount * 1e9))
}

// ParseAddress converts any address format to raw (0:...) or fails
func ParseAddress(addr string) (string, error) {
	acc, err := ton.ParseAccountID(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", addr, err)
	}
	return acc.String(), nil
}

// RawToFriendly converts raw address (0:...) to friendly format (UQ.../EQ...)
func RawToFriendly(raw string, bounceable, testnet bool) string {
	if raw == "" {
		return ""
	}

	acc, err := ton.ParseAccountID(raw)
	if err != nil {
		return raw
	}

	return acc.ToHuman(bounceable, testnet)
}

// NormalizeAddress converts any address format to raw (0:...)
func NormalizeAddress(addr string) string {
	if addr == "" {
		return ""
	}

	raw, err := ParseAddress(addr)
	if err != nil {
		return addr
	}

	return raw
}

// ShortAddr returns a shortened address for display
func ShortAddr(addr string, n int) string {
	if addr == "" {
		return "unknown"
	}
	if len(addr) < n*2+3 {
		return addr
	}
	return addr[:n] + "..." + addr[len(addr)-n:]
}
