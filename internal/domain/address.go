package domain

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

const friendlyAddressLen = 48

// SameAddress reports whether two TON addresses refer to the same account.
// User-friendly forms differ in flags and checksum (bounceable EQ... versus
// non-bounceable UQ...), so they are compared by workchain and account hash.
// Strings that do not parse as addresses are compared verbatim.
func SameAddress(a, b string) bool {
	if a == b {
		return true
	}
	ka, okA := accountKey(a)
	kb, okB := accountKey(b)
	return okA && okB && ka == kb
}

// accountKey returns "workchain:hex(hash)" for raw or user-friendly addresses.
func accountKey(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)

	if wc, hash, found := strings.Cut(addr, ":"); found {
		workchain, err := strconv.ParseInt(wc, 10, 32)
		if err != nil || len(hash) != 64 {
			return "", false
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return "", false
		}
		return strconv.FormatInt(workchain, 10) + ":" + strings.ToLower(hash), true
	}

	if len(addr) != friendlyAddressLen {
		return "", false
	}
	std := strings.NewReplacer("-", "+", "_", "/").Replace(addr)
	raw, err := base64.StdEncoding.DecodeString(std)
	if err != nil || len(raw) != 36 {
		return "", false
	}
	workchain := int8(raw[1])
	return strconv.Itoa(int(workchain)) + ":" + hex.EncodeToString(raw[2:34]), true
}
