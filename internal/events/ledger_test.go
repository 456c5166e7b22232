package events

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/payledger/internal/domain"
)

func TestLedgerBroadcaster_PublishSubscribe(t *testing.T) {
	b := NewLedgerBroadcaster(2)

	a := b.Subscribe()
	c := b.Subscribe()

	ev := domain.LedgerEvent{UserID: "u1", Delta: decimal.NewFromInt(3)}
	b.Publish(ev)

	require.Equal(t, "u1", (<-a).UserID)
	require.Equal(t, "u1", (<-c).UserID)

	b.Unsubscribe(a)
	_, open := <-a
	require.False(t, open, "unsubscribed channel must be closed")

	// second unsubscribe is a no-op
	b.Unsubscribe(a)
}

func TestLedgerBroadcaster_DropsForSlowReader(t *testing.T) {
	b := NewLedgerBroadcaster(1)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(domain.LedgerEvent{UserID: "first"})
	b.Publish(domain.LedgerEvent{UserID: "second"})

	require.Len(t, ch, 1)
	require.Equal(t, "first", (<-ch).UserID)
}
