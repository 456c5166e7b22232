package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance spendable amount of a single user.
type Balance struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Version uint64          `json:"version"`
	// AppliedRefs references applied to Amount whose per-reference marker
	// is not written yet. Settled references are dropped from the record.
	AppliedRefs map[string]bool `json:"applied_refs,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewBalance creates an empty balance for the user.
func NewBalance(userID string) *Balance {
	return &Balance{
		UserID:      userID,
		Amount:      decimal.Zero,
		AppliedRefs: make(map[string]bool),
	}
}

// Applied reports whether an adjustment with ref was already applied.
func (b *Balance) Applied(ref string) bool {
	if ref == "" || b.AppliedRefs == nil {
		return false
	}
	return b.AppliedRefs[ref]
}

// Apply adds delta and remembers ref. Callers check Applied first.
func (b *Balance) Apply(delta decimal.Decimal, ref string, at time.Time) {
	b.Amount = b.Amount.Add(delta)
	b.Version++
	b.UpdatedAt = at.UTC()
	if ref != "" {
		if b.AppliedRefs == nil {
			b.AppliedRefs = make(map[string]bool)
		}
		b.AppliedRefs[ref] = true
	}
}

// Settle forgets ref once its marker is stored elsewhere.
func (b *Balance) Settle(ref string) {
	delete(b.AppliedRefs, ref)
}
