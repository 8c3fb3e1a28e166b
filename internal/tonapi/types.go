package tonapi

// Event represents a TonAPI event
type Event struct {
	EventID   string   `json:"event_id"`
	Timestamp int64    `json:"timestamp"`
	Actions   []Action `json:"actions"`
	IsScam    bool     `json:"is_scam"`
}

// Action represents an action within an event
type Action struct {
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	TonTransfer *TonTransfer `json:"TonTransfer,omitempty"`
}

// TonTransfer represents a TON transfer action
type TonTransfer struct {
	Sender    Account `json:"sender"`
	Recipient Account `json:"recipient"`
	Amount    int64   `json:"amount"` // in nanoTON
	Comment   string  `json:"comment,omitempty"`
}

// Account represents an account/wallet
type Account struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	IsScam   bool   `json:"is_scam,omitempty"`
	IsWallet bool   `json:"is_wallet,omitempty"`
}

// AccountInfo contains account information
type AccountInfo struct {
	Address string `json:"address"` // raw format
	Balance int64  `json:"balance"`
	Status  string `json:"status"`
}

// SeqnoResponse is the response from the wallet seqno endpoint
type SeqnoResponse struct {
	Seqno uint32 `json:"seqno"`
}

// EventsResponse is the response from events endpoint
type EventsResponse struct {
	Events []Event `json:"events"`
}

// WebhookPayload is the payload received from TonAPI webhook
type WebhookPayload struct {
	EventType string `json:"event_type,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Lt        int64  `json:"lt,omitempty"`
}

// Webhook represents a TonAPI webhook
type Webhook struct {
	ID       int64    `json:"webhook_id"`
	Endpoint string   `json:"endpoint"`
	Accounts []string `json:"subscribed_accounts,omitempty"`
}

// WebhookListResponse is the response from webhook list endpoint
type WebhookListResponse struct {
	Webhooks []Webhook `json:"webhooks"`
}

// IncomingTransfers returns the successful TON transfers in the event that
// credit the given raw address
func (e *Event) IncomingTransfers(recipientRaw string) []TonTransfer {
	var transfers []TonTransfer
	for _, action := range e.Actions {
		if action.Type != "TonTransfer" || action.TonTransfer == nil {
			continue
		}
		if action.Status != "" && action.Status != "ok" {
			continue
		}
		if NormalizeAddress(action.TonTransfer.Recipient.Address) != recipientRaw {
			continue
		}
		transfers = append(transfers, *action.TonTransfer)
	}
	return transfers
}
