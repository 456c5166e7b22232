// Package domain defines core data structures used throughout the payment ledger.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus lifecycle state of a payment intent.
type IntentStatus string

const (
	// IntentStatusPending intent waits for an on-chain payment.
	IntentStatusPending IntentStatus = "pending"
	// IntentStatusPaid intent was matched and credited. Terminal.
	IntentStatusPaid IntentStatus = "paid"
	// IntentStatusExpired intent outlived its TTL without a payment. Terminal.
	IntentStatusExpired IntentStatus = "expired"
)

// PaymentIntent expected incoming payment awaiting on-chain confirmation.
type PaymentIntent struct {
	ID     string          `json:"id"`
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Status IntentStatus    `json:"status"`
	// Address receiving address the payment must be sent to.
	Address string `json:"address"`
	// Wallet optional sender wallet declared by the user.
	Wallet string `json:"wallet,omitempty"`
	// Memo optional comment the payment must carry.
	Memo      string     `json:"memo,omitempty"`
	TxHash    string     `json:"tx_hash,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// Pending reports whether the intent can still be matched.
func (p *PaymentIntent) Pending() bool {
	return p.Status == IntentStatusPending
}

// Settled reports whether the intent reached a terminal state.
func (p *PaymentIntent) Settled() bool {
	return p.Status == IntentStatusPaid || p.Status == IntentStatusExpired
}

// MarkPaid returns a copy of the intent transitioned to paid by the given transaction.
func (p PaymentIntent) MarkPaid(txHash string, at time.Time) PaymentIntent {
	p.Status = IntentStatusPaid
	p.TxHash = txHash
	paidAt := at.UTC()
	p.PaidAt = &paidAt
	return p
}

// MarkExpired returns a copy of the intent transitioned to expired.
func (p PaymentIntent) MarkExpired() PaymentIntent {
	p.Status = IntentStatusExpired
	return p
}

// Expired reports whether a pending intent is older than ttl. A non-positive ttl never expires.
func (p *PaymentIntent) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || !p.Pending() {
		return false
	}
	return now.Sub(p.CreatedAt) > ttl
}
