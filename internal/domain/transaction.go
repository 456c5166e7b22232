package domain

import (
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NanoExp decimal exponent between base units (nanotons) and display units.
const NanoExp = 9

// hashBytes size of a transaction hash.
const hashBytes = 32

// ChainTransaction incoming transfer observed on chain. Immutable once observed.
type ChainTransaction struct {
	Hash        string
	LT          uint64
	Source      string
	Destination string
	// Value amount in base units.
	Value     uint64
	Memo      string
	Timestamp time.Time
}

// DisplayValue returns the transferred amount in display units.
func (t ChainTransaction) DisplayValue() decimal.Decimal {
	return FromNano(t.Value)
}

// HasMemo reports whether the transaction comment contains memo.
func (t ChainTransaction) HasMemo(memo string) bool {
	if memo == "" {
		return true
	}
	return strings.Contains(t.Memo, memo)
}

// FromNano converts base units to display units.
func FromNano(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -NanoExp)
}

// NormalizeTxHash converts a transaction hash to the standard base64 form the
// chain API reports. Hex and URL-safe base64 input are accepted.
func NormalizeTxHash(hash string) string {
	hash = strings.TrimSpace(hash)
	if len(hash) == 2*hashBytes {
		if raw, err := hex.DecodeString(hash); err == nil {
			return base64.StdEncoding.EncodeToString(raw)
		}
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(hash); err == nil && len(raw) == hashBytes {
			return base64.StdEncoding.EncodeToString(raw)
		}
	}
	return hash
}

// CreditMarker records that a transaction hash already funded a credit.
type CreditMarker struct {
	Hash      string          `json:"hash"`
	IntentID  string          `json:"intent_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
