// Package types holds the data model published by the pipeline and
// delivered to subscribers.
package types

import "time"

// TokenCreatedEvent is the unit published by the event pipeline and
// delivered, framed as JSON, to every matching subscriber. Timestamp is
// pre-formatted at construction time (MarshalTimestamp) so the wire shape
// never depends on time.Time's own JSON encoding.
type TokenCreatedEvent struct {
	EventType            string   `json:"eventType"`
	Timestamp            string   `json:"timestamp"`
	TransactionSignature string   `json:"transactionSignature"`
	Token                Token    `json:"token"`
	PumpData             PumpData `json:"pumpData"`
}

// Token describes the minted asset itself.
type Token struct {
	MintAddress string `json:"mintAddress"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	URI         string `json:"uri"`
	Creator     string `json:"creator"`
	Supply      uint64 `json:"supply"`
	Decimals    uint8  `json:"decimals"`
}

// PumpData carries the bonding-curve account and its initial virtual
// reserves, fixed constants at creation time for this program.
type PumpData struct {
	BondingCurve         string `json:"bondingCurve"`
	VirtualSolReserves   uint64 `json:"virtualSolReserves"`
	VirtualTokenReserves uint64 `json:"virtualTokenReserves"`
}

// EventTypeTokenCreated is the only event type this service emits.
const EventTypeTokenCreated = "tokenCreated"

// Fixed constants for this program, per spec §4.4: the upstream program
// does not vary these at creation, so they are never fetched separately.
const (
	InitialSupply               uint64 = 1_000_000_000 * 1_000_000
	InitialDecimals             uint8  = 6
	InitialVirtualSolReserves   uint64 = 30_000_000_000
	InitialVirtualTokenReserves uint64 = 1_073_000_000_000_000
)

// MarshalTimestamp renders t the external way: ISO 8601 UTC, millisecond
// precision, trailing Z.
func MarshalTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// LogNotification is what the Log Subscription Client delivers to the
// Event Pipeline for each upstream log-stream message. Err is non-nil iff
// the upstream reported the transaction as failed; only its presence
// matters, never its contents.
type LogNotification struct {
	Signature string
	Logs      []string
	Slot      uint64
	Err       []byte
}

// AccountKeys is the ordered account-key list a transaction carries,
// indexed the same way an instruction's own account-index array refers
// to it.
type AccountKeys = []string
