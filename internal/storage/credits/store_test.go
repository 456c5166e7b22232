package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
)

func marker(hash, intentID string) domain.CreditMarker {
	return domain.CreditMarker{
		Hash:      hash,
		IntentID:  intentID,
		UserID:    "u1",
		Amount:    decimal.RequireFromString("1.5"),
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_Claim(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())

	stored, created, err := s.Claim(ctx, marker("h1", "payment_a"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "payment_a", stored.IntentID)

	stored, created, err = s.Claim(ctx, marker("h1", "payment_b"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "payment_a", stored.IntentID, "existing marker is returned to the loser")

	_, _, err = s.Claim(ctx, marker("", "payment_c"))
	require.Error(t, err)
}

func TestStore_ClaimedByOther(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())

	other, err := s.ClaimedByOther(ctx, "h1", "payment_a")
	require.NoError(t, err)
	require.False(t, other)

	_, _, err = s.Claim(ctx, marker("h1", "payment_a"))
	require.NoError(t, err)

	other, err = s.ClaimedByOther(ctx, "h1", "payment_a")
	require.NoError(t, err)
	require.False(t, other)

	other, err = s.ClaimedByOther(ctx, "h1", "payment_b")
	require.NoError(t, err)
	require.True(t, other)
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intentID := fmt.Sprintf("payment_%d", i)
			_, created, err := s.Claim(ctx, marker("shared", intentID))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners = append(winners, intentID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	stored, found, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, winners[0], stored.IntentID)
}
