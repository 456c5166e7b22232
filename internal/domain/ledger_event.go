package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEvent describes one applied balance change.
type LedgerEvent struct {
	Timestamp time.Time       `json:"ts"`
	UserID    string          `json:"user_id"`
	Delta     decimal.Decimal `json:"delta"`
	Balance   decimal.Decimal `json:"balance"`
	Reason    string          `json:"reason,omitempty"`
	Ref       string          `json:"ref,omitempty"`
}

// LedgerEventRecord bundles an event with its journal index.
type LedgerEventRecord struct {
	Index uint64
	Event LedgerEvent
}
