package reconciler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/storage/credits"
	"github.com/vadiminshakov/payledger/internal/storage/intents"
	"github.com/vadiminshakov/payledger/internal/storage/kv"
	"github.com/vadiminshakov/payledger/internal/storage/ledger"
)

const receiveAddress = "EQreceiver"

// fakeSource serves a fixed list of transactions.
type fakeSource struct {
	mu    sync.Mutex
	txs   []domain.ChainTransaction
	err   error
	calls atomic.Int32
}

func (f *fakeSource) ListTransactions(_ context.Context, address string, _ int) ([]domain.ChainTransaction, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if address != receiveAddress {
		return nil, nil
	}
	return append([]domain.ChainTransaction(nil), f.txs...), nil
}

func (f *fakeSource) set(txs ...domain.ChainTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = txs
}

// countingStore counts writes reaching the wrapped store.
type countingStore struct {
	*kv.MemoryStore
	writes atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, key string, value []byte) error {
	s.writes.Add(1)
	return s.MemoryStore.Put(ctx, key, value)
}

func (s *countingStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.writes.Add(1)
	return s.MemoryStore.PutIfAbsent(ctx, key, value)
}

func (s *countingStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.writes.Add(1)
	return s.MemoryStore.CompareAndSwap(ctx, key, prev, next)
}

type testEngine struct {
	*Engine
	source  *fakeSource
	store   *countingStore
	credits *credits.Store
	ledger  *ledger.Ledger
}

func newTestEngine(t *testing.T, policy MatchPolicy) *testEngine {
	t.Helper()

	store := &countingStore{MemoryStore: kv.NewMemoryStore()}
	source := &fakeSource{}
	creditStore := credits.NewStore(store)
	balances := ledger.New(store)

	engine, err := New(Config{
		ReceiveAddress: receiveAddress,
		MinAmount:      decimal.RequireFromString("0.1"),
		Policy:         policy,
		Timeout:        time.Second,
	}, Deps{
		Intents: intents.NewStore(store),
		Credits: creditStore,
		Ledger:  balances,
		Source:  source,
	}, nil)
	require.NoError(t, err)

	return &testEngine{
		Engine:  engine,
		source:  source,
		store:   store,
		credits: creditStore,
		ledger:  balances,
	}
}

func incoming(hash, value string) domain.ChainTransaction {
	return domain.ChainTransaction{
		Hash:        hash,
		Source:      "EQsender",
		Destination: receiveAddress,
		Value:       decimal.RequireFromString(value).Shift(domain.NanoExp).BigInt().Uint64(),
		Timestamp:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (te *testEngine) create(t *testing.T, userID, amount string) domain.PaymentIntent {
	t.Helper()
	intent, err := te.CreateIntent(context.Background(), userID, decimal.RequireFromString(amount), CreateOptions{})
	require.NoError(t, err)
	return intent
}

func (te *testEngine) balance(t *testing.T, userID string) string {
	t.Helper()
	amount, err := te.Balance(context.Background(), userID)
	require.NoError(t, err)
	return amount.String()
}

func TestNew_RequiresReceiveAddress(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestCreateIntent(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})

	intent := te.create(t, "u1", "1.5")
	assert.Regexp(t, `^payment_[0-9a-f-]{36}$`, intent.ID)
	assert.Equal(t, domain.IntentStatusPending, intent.Status)
	assert.Equal(t, receiveAddress, intent.Address)
	assert.Empty(t, intent.Memo, "memo is only issued when memo matching is on")

	stored, err := te.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("1.5")))

	other := te.create(t, "u1", "1.5")
	assert.NotEqual(t, intent.ID, other.ID)
}

func TestCreateIntent_Validation(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		amount  string
		policy  MatchPolicy
		opts    CreateOptions
		wantErr error
	}{
		{name: "below minimum", userID: "u1", amount: "0.05", wantErr: domain.ErrInvalidAmount},
		{name: "zero", userID: "u1", amount: "0", wantErr: domain.ErrInvalidAmount},
		{name: "negative", userID: "u1", amount: "-1", wantErr: domain.ErrInvalidAmount},
		{name: "too precise", userID: "u1", amount: "1.0000000001", wantErr: domain.ErrInvalidAmount},
		{name: "empty user", userID: "", amount: "1", wantErr: domain.ErrInvalidUser},
		{name: "wallet required", userID: "u1", amount: "1", policy: MatchPolicy{RequireWallet: true}, wantErr: domain.ErrInvalidWallet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, tt.policy)

			_, err := te.CreateIntent(context.Background(), tt.userID, decimal.RequireFromString(tt.amount), tt.opts)
			require.ErrorIs(t, err, tt.wantErr)

			pending, err := te.PendingIntents(context.Background())
			require.NoError(t, err)
			require.Empty(t, pending, "rejected intent must not be persisted")
			require.Equal(t, int32(0), te.store.writes.Load())
		})
	}
}

func TestCreateIntent_MinimumIsInclusive(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})
	te.create(t, "u1", "0.1")
}

func TestCheckPayment_CreditsIntentAmount(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.5")
	te.source.set(incoming("hash-1", "1.6"))

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.True(t, res.Credited)
	require.False(t, res.AlreadyCredited)
	require.Equal(t, domain.IntentStatusPaid, res.Status)
	require.Equal(t, "hash-1", res.TxHash)
	require.Equal(t, "1.5", res.Balance.String(), "the intent amount is credited, not the observed value")
	require.Equal(t, "1.5", te.balance(t, "u1"))

	stored, err := te.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.IntentStatusPaid, stored.Status)
	require.Equal(t, "hash-1", stored.TxHash)
	require.NotNil(t, stored.PaidAt)
}

func TestCheckPayment_PaidIntentIsIdempotentWithoutWrites(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.5")
	te.source.set(incoming("hash-1", "1.6"))

	_, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)

	writes := te.store.writes.Load()
	calls := te.source.calls.Load()

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.False(t, res.Credited)
	require.Equal(t, domain.IntentStatusPaid, res.Status)
	require.Equal(t, "1.5", res.Balance.String())

	require.Equal(t, writes, te.store.writes.Load(), "checking a paid intent must not write")
	require.Equal(t, calls, te.source.calls.Load(), "checking a paid intent must not query the chain")
}

func TestCheckPayment_InsufficientValueDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.0")
	te.source.set(incoming("hash-1", "0.9"))

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.False(t, res.Credited)
	require.Equal(t, domain.IntentStatusPending, res.Status)
	require.Equal(t, ReasonNoMatch, res.Reason)
	require.Equal(t, "0", te.balance(t, "u1"))
}

func TestCheckPayment_ExactAmountMatches(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.0")
	te.source.set(incoming("hash-1", "1.0"))

	res, err := te.CheckPayment(context.Background(), intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Credited)
}

func TestCheckPayment_UnknownIntent(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})

	_, err := te.CheckPayment(context.Background(), "payment_missing", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, int32(0), te.source.calls.Load())
}

func TestCheckPayment_UpstreamFailureLeavesIntentPending(t *testing.T) {
	ctx := context.Background()

	for name, sourceErr := range map[string]error{
		"upstream": errors.Wrap(domain.ErrUpstreamUnavailable, "status 502"),
		"generic":  errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			te := newTestEngine(t, MatchPolicy{})
			intent := te.create(t, "u1", "1")
			te.source.err = sourceErr

			_, err := te.CheckPayment(ctx, intent.ID, "")
			require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

			stored, err := te.GetIntent(ctx, intent.ID)
			require.NoError(t, err)
			require.Equal(t, domain.IntentStatusPending, stored.Status)
			require.Equal(t, "0", te.balance(t, "u1"))
		})
	}
}

func TestCheckPayment_ConcurrentChecksCreditOnce(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "2")
	te.source.set(incoming("hash-1", "2"))

	const checkers = 20
	var (
		wg       sync.WaitGroup
		credited atomic.Int32
		matched  atomic.Int32
	)
	for i := 0; i < checkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := te.CheckPayment(ctx, intent.ID, "")
			if !assert.NoError(t, err) {
				return
			}
			if res.Credited {
				credited.Add(1)
			}
			if res.Matched {
				matched.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), credited.Load())
	require.Equal(t, int32(checkers), matched.Load())
	require.Equal(t, "2", te.balance(t, "u1"))
}

func TestCheckPayment_SharedHashCreditsOneIntent(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	first := te.create(t, "u1", "1")
	second := te.create(t, "u2", "1")
	te.source.set(incoming("hash-1", "1"))

	res, err := te.CheckPayment(ctx, first.ID, "hash-1")
	require.NoError(t, err)
	require.True(t, res.Credited)

	res, err = te.CheckPayment(ctx, second.ID, "hash-1")
	require.NoError(t, err)
	require.False(t, res.Credited)
	require.Equal(t, domain.IntentStatusPending, res.Status)

	require.Equal(t, "1", te.balance(t, "u1"))
	require.Equal(t, "0", te.balance(t, "u2"))
}

func TestCheckPayment_SharedHashConcurrentIntents(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	te.source.set(incoming("hash-1", "1"))

	users := []string{"u1", "u2", "u3", "u4"}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = te.create(t, u, "1").ID
	}

	var (
		wg       sync.WaitGroup
		credited atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := te.CheckPayment(ctx, id, "")
			if !assert.NoError(t, err) {
				return
			}
			if res.Credited {
				credited.Add(1)
			}
			if res.AlreadyCredited {
				assert.True(t, res.Matched)
				assert.Equal(t, ReasonAlreadyCredited, res.Reason)
			}
		}(id)
	}
	wg.Wait()

	require.Equal(t, int32(1), credited.Load())

	total := decimal.Zero
	for _, u := range users {
		amount, err := te.Balance(ctx, u)
		require.NoError(t, err)
		total = total.Add(amount)
	}
	require.Equal(t, "1", total.String())
}

func TestCheckPayment_SkipsTransactionCreditedElsewhere(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	first := te.create(t, "u1", "1")
	second := te.create(t, "u2", "1")
	te.source.set(incoming("hash-1", "1"), incoming("hash-2", "1"))

	res, err := te.CheckPayment(ctx, first.ID, "")
	require.NoError(t, err)
	require.Equal(t, "hash-1", res.TxHash, "first qualifying transaction in source order wins")

	res, err = te.CheckPayment(ctx, second.ID, "")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, "hash-2", res.TxHash)
}

func TestCheckPayment_TxHint(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1")
	te.source.set(incoming("hash-1", "1"), incoming("hash-2", "1"))

	res, err := te.CheckPayment(ctx, intent.ID, "hash-2")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, "hash-2", res.TxHash)
}

func TestCheckPayment_HexTxHintMatchesBase64Hash(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1")

	raw := bytes.Repeat([]byte{0xfb}, 32)
	other := incoming(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32)), "1")
	target := incoming(base64.StdEncoding.EncodeToString(raw), "1")
	te.source.set(other, target)

	res, err := te.CheckPayment(ctx, intent.ID, hex.EncodeToString(raw))
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, target.Hash, res.TxHash, "credit is recorded under the hash the chain reports")
}

func TestCheckPayment_IgnoresOtherDestinations(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1")

	tx := incoming("hash-1", "5")
	tx.Destination = "EQsomeoneelse"
	te.source.set(tx)

	res, err := te.CheckPayment(context.Background(), intent.ID, "")
	require.NoError(t, err)
	require.False(t, res.Matched)
}

func TestCheckPayment_MemoPolicy(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{RequireMemo: true})
	te.newMemo = func() string { return "memo-123" }

	intent := te.create(t, "u1", "1")
	require.Equal(t, "memo-123", intent.Memo)

	plain := incoming("hash-1", "1")
	te.source.set(plain)
	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.False(t, res.Matched, "transaction without the memo must not match")

	withMemo := incoming("hash-2", "1")
	withMemo.Memo = "order memo-123"
	te.source.set(plain, withMemo)
	res, err = te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, "hash-2", res.TxHash)
}

func TestCheckPayment_WalletPolicy(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{RequireWallet: true})

	intent, err := te.CreateIntent(ctx, "u1", decimal.NewFromInt(1), CreateOptions{Wallet: "EQpayer"})
	require.NoError(t, err)

	stranger := incoming("hash-1", "1")
	stranger.Source = "EQstranger"
	payer := incoming("hash-2", "1")
	payer.Source = "EQpayer"
	te.source.set(stranger, payer)

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Credited)
	require.Equal(t, "hash-2", res.TxHash)
}

func TestCheckPayment_ResumesAfterCrashBeforeCredit(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.5")
	te.source.set(incoming("hash-1", "1.5"))

	// marker written, then the process died
	_, claimed, err := te.credits.Claim(ctx, domain.CreditMarker{Hash: "hash-1", IntentID: intent.ID, UserID: "u1", Amount: intent.Amount})
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.True(t, res.Credited)
	require.Equal(t, domain.IntentStatusPaid, res.Status)
	require.Equal(t, "1.5", te.balance(t, "u1"))
}

func TestCheckPayment_ResumesAfterCrashBeforeStatusUpdate(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1.5")
	te.source.set(incoming("hash-1", "1.5"))

	// marker and credit written, intent still pending
	_, _, err := te.credits.Claim(ctx, domain.CreditMarker{Hash: "hash-1", IntentID: intent.ID, UserID: "u1", Amount: intent.Amount})
	require.NoError(t, err)
	_, _, err = te.ledger.Adjust(ctx, "u1", intent.Amount, creditRef(intent.ID), "payment")
	require.NoError(t, err)

	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.False(t, res.Credited, "credit was already applied before the crash")
	require.Equal(t, domain.IntentStatusPaid, res.Status)
	require.Equal(t, "1.5", te.balance(t, "u1"))
}

func TestCheckPayment_ExpiredIntent(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, MatchPolicy{})
	te.cfg.IntentTTL = time.Hour

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	te.now = func() time.Time { return created }
	intent := te.create(t, "u1", "1")

	expired, err := te.ExpireIfStale(ctx, intent)
	require.NoError(t, err)
	require.False(t, expired, "fresh intent must not expire")

	te.now = func() time.Time { return created.Add(2 * time.Hour) }
	expired, err = te.ExpireIfStale(ctx, intent)
	require.NoError(t, err)
	require.True(t, expired)

	te.source.set(incoming("hash-1", "1"))
	res, err := te.CheckPayment(ctx, intent.ID, "")
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, domain.IntentStatusExpired, res.Status)
	require.Equal(t, ReasonExpired, res.Reason)
	require.Equal(t, int32(0), te.source.calls.Load())
}

func TestExpireIfStale_DisabledByDefault(t *testing.T) {
	te := newTestEngine(t, MatchPolicy{})
	intent := te.create(t, "u1", "1")
	te.now = func() time.Time { return intent.CreatedAt.Add(365 * 24 * time.Hour) }

	expired, err := te.ExpireIfStale(context.Background(), intent)
	require.NoError(t, err)
	require.False(t, expired)
}
