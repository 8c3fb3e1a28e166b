package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/suspectuso/ton-paywall/internal/tonapi"
)

// Notification is an inbound payment notification reduced to the fields
// the verifier needs
type Notification struct {
	Address     string // raw 0:... form when parseable
	Amount      int64  // nanoTON, zero when the sender did not include it
	TxRef       string
	SessionID   string
	ReferenceID string
	Signature   string
}

// Hint picks the strongest identifier carried by the notification
func (n Notification) Hint() string {
	switch {
	case n.SessionID != "":
		return n.SessionID
	case n.Address != "":
		return n.Address
	default:
		return n.ReferenceID
	}
}

type accountDataEntry struct {
	Account             string          `json:"account"`
	NativeBalanceChange json.RawMessage `json:"nativeBalanceChange"`
}

type rawNotification struct {
	AccountData json.RawMessage `json:"accountData"`
	Signature   string          `json:"signature"`

	WalletAddress string          `json:"walletAddress"`
	Amount        json.RawMessage `json:"amount"`
	TxID          string          `json:"txId"`

	Address string          `json:"address"`
	Balance json.RawMessage `json:"balance"`

	EventType string `json:"event_type"`
	AccountID string `json:"account_id"`
	TxHash    string `json:"tx_hash"`

	SessionID   string `json:"sessionId"`
	ReferenceID string `json:"referenceId"`
}

// Normalize parses any accepted webhook body. Accepted shapes:
//
//	{accountData: {account, nativeBalanceChange} | [...], signature}
//	{walletAddress, amount, txId}
//	{address, balance, signature}
//	{event_type, account_id, tx_hash, lt}
//
// Any shape may carry sessionId or referenceId hints.
func Normalize(body []byte) (Notification, error) {
	var raw rawNotification
	if err := json.Unmarshal(body, &raw); err != nil {
		return Notification{}, &ValidationError{Field: "body", Message: "not a JSON object"}
	}

	n := Notification{
		SessionID:   strings.TrimSpace(raw.SessionID),
		ReferenceID: strings.TrimSpace(raw.ReferenceID),
		Signature:   raw.Signature,
	}

	var err error
	switch {
	case len(raw.AccountData) > 0 && string(raw.AccountData) != "null":
		var entry accountDataEntry
		entry, err = pickAccountData(raw.AccountData)
		if err == nil {
			n.Address = entry.Account
			n.Amount, err = parseAmount(entry.NativeBalanceChange)
		}
	case raw.WalletAddress != "":
		n.Address = raw.WalletAddress
		n.TxRef = raw.TxID
		n.Amount, err = parseAmount(raw.Amount)
	case raw.Address != "":
		n.Address = raw.Address
		n.Amount, err = parseAmount(raw.Balance)
	case raw.AccountID != "":
		n.Address = raw.AccountID
		n.TxRef = raw.TxHash
	case n.SessionID == "" && n.ReferenceID == "":
		return Notification{}, &ValidationError{Field: "body", Message: "unrecognized notification shape"}
	}
	if err != nil {
		return Notification{}, err
	}

	if n.Address != "" {
		n.Address = tonapi.NormalizeAddress(n.Address)
	}
	return n, nil
}

// pickAccountData accepts a single entry or an array and returns the first
// entry with a positive balance change
func pickAccountData(data json.RawMessage) (accountDataEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var entries []accountDataEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return accountDataEntry{}, &ValidationError{Field: "accountData", Message: "malformed array"}
		}
		for _, e := range entries {
			if amount, err := parseAmount(e.NativeBalanceChange); err == nil && amount > 0 {
				return e, nil
			}
		}
		return accountDataEntry{}, &ValidationError{Field: "accountData", Message: "no incoming balance change"}
	}

	var entry accountDataEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return accountDataEntry{}, &ValidationError{Field: "accountData", Message: "malformed object"}
	}
	return entry, nil
}

// parseAmount reads a number or numeric string. Integers are nanoTON;
// values with a decimal point are TON.
func parseAmount(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}

	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 {
			return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("%q is not a valid amount", s)}
		}
		return tonapi.TONToNano(f), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, &ValidationError{Field: "amount", Message: fmt.Sprintf("%q is not a valid amount", s)}
	}
	return n, nil
}
