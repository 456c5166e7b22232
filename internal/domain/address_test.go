package domain

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func friendly(flags byte, workchain int8, hash []byte, urlSafe bool) string {
	raw := make([]byte, 0, 36)
	raw = append(raw, flags, byte(workchain))
	raw = append(raw, hash...)
	raw = append(raw, 0xAB, 0xCD) // checksum is not verified
	if urlSafe {
		return base64.URLEncoding.EncodeToString(raw)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSameAddress(t *testing.T) {
	hash, err := hex.DecodeString(strings.Repeat("5c", 32))
	require.NoError(t, err)
	other, err := hex.DecodeString(strings.Repeat("01", 32))
	require.NoError(t, err)

	bounceable := friendly(0x11, 0, hash, true)
	nonBounceable := friendly(0x51, 0, hash, false)
	rawForm := "0:" + strings.Repeat("5C", 32)

	require.NotEqual(t, bounceable, nonBounceable)
	require.True(t, SameAddress(bounceable, nonBounceable))
	require.True(t, SameAddress(bounceable, rawForm))
	require.True(t, SameAddress("EQreceiver", "EQreceiver"))

	require.False(t, SameAddress(bounceable, friendly(0x11, 0, other, true)))
	require.False(t, SameAddress(bounceable, friendly(0x11, -1, hash, true)), "workchain must match")
	require.False(t, SameAddress("EQreceiver", "UQreceiver"))
	require.False(t, SameAddress("", bounceable))
	require.False(t, SameAddress("0:zz", "0:zz"+"x"))
}
