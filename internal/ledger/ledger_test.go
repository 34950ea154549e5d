package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/storage"
	"github.com/copy-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory is an in-memory History with the same duplicate-signature
// behavior as the Postgres repository.
type fakeHistory struct {
	mu   sync.Mutex
	rows map[string]*types.Transaction
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{rows: make(map[string]*types.Transaction)}
}

func (f *fakeHistory) Append(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[tx.Signature]; ok {
		return storage.ErrDuplicateSignature
	}
	copied := *tx
	f.rows[tx.Signature] = &copied
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeBalanceSource struct {
	sol    int64
	tokens []TokenPosition
	err    error
}

func (f *fakeBalanceSource) WalletBalances(ctx context.Context, address string) (int64, []TokenPosition, error) {
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.sol, f.tokens, nil
}

func newTestLedger(t *testing.T, sol int64) (*WalletLedger, *fakeHistory, *fakeBalanceSource) {
	t.Helper()

	history := newFakeHistory()
	source := &fakeBalanceSource{sol: sol}

	l, err := New(&Config{
		Address:        "WaLLetAddr1111111111111111111111111111111111",
		UserID:         "user-1",
		History:        history,
		Source:         source,
		DriftTolerance: 10_000,
		Logger:         logging.NewLogger("error", "console"),
	})
	require.NoError(t, err)

	_, err = l.RefreshBalances(context.Background())
	require.NoError(t, err)

	return l, history, source
}

func buyResult(signature string, lamports, tokens int64) *ExecutionResult {
	return &ExecutionResult{
		Signature:     signature,
		TokenAddress:  "TokenMint111111111111111111111111111111111",
		TokenSymbol:   "TKN",
		TokenName:     "Test Token",
		Decimals:      6,
		Direction:     types.DirectionBuy,
		AmountToken:   tokens,
		AmountSol:     lamports,
		PricePerToken: decimal.RequireFromString("0.000001"),
	}
}

func sellResult(signature string, lamports, tokens int64) *ExecutionResult {
	res := buyResult(signature, lamports, tokens)
	res.Direction = types.DirectionSell
	return res
}

func TestApplyTradeBuy(t *testing.T) {
	l, history, _ := newTestLedger(t, 5*types.LamportsPerSOL)

	result, err := l.ApplyTrade(context.Background(), buyResult("sig-1", types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, int64(4*types.LamportsPerSOL), result.Snapshot.SolBalance)

	require.Len(t, result.Snapshot.Tokens, 1)
	assert.Equal(t, int64(1_000_000), result.Snapshot.Tokens[0].Balance)
	assert.Equal(t, 1, history.count())
}

func TestApplyTradeSellClosesPosition(t *testing.T) {
	l, _, _ := newTestLedger(t, 5*types.LamportsPerSOL)

	_, err := l.ApplyTrade(context.Background(), buyResult("sig-1", types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)

	result, err := l.ApplyTrade(context.Background(), sellResult("sig-2", types.LamportsPerSOL/2, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)

	// Position dropped to zero: it must disappear, not linger at 0.
	assert.Empty(t, result.Snapshot.Tokens)
	assert.Equal(t, int64(4*types.LamportsPerSOL+types.LamportsPerSOL/2), result.Snapshot.SolBalance)
}

func TestApplyTradeRejectsOverdraft(t *testing.T) {
	l, history, _ := newTestLedger(t, types.LamportsPerSOL)

	result, err := l.ApplyTrade(context.Background(), buyResult("sig-1", 2*types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "insufficient SOL balance", result.Reason)

	// Rejection leaves no trace: no history row, no state change.
	assert.Equal(t, 0, history.count())
	assert.Equal(t, int64(types.LamportsPerSOL), l.Info().SolBalance)
}

func TestApplyTradeRejectsSellWithoutPosition(t *testing.T) {
	l, _, _ := newTestLedger(t, types.LamportsPerSOL)

	result, err := l.ApplyTrade(context.Background(), sellResult("sig-1", 100, 500))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "insufficient token balance", result.Reason)
}

func TestApplyTradeDuplicateSignature(t *testing.T) {
	l, history, _ := newTestLedger(t, 5*types.LamportsPerSOL)

	res := buyResult("sig-1", types.LamportsPerSOL, 1_000_000)

	first, err := l.ApplyTrade(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first.Outcome)

	second, err := l.ApplyTrade(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	// Exactly one mutation, one history row, identical balances.
	assert.Equal(t, first.Snapshot.SolBalance, second.Snapshot.SolBalance)
	assert.Equal(t, 1, history.count())
}

func TestApplyTradeDuplicateWithMismatchedPayload(t *testing.T) {
	l, _, _ := newTestLedger(t, 5*types.LamportsPerSOL)

	_, err := l.ApplyTrade(context.Background(), buyResult("sig-1", types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)

	_, err = l.ApplyTrade(context.Background(), buyResult("sig-1", 2*types.LamportsPerSOL, 1_000_000))
	require.Error(t, err)
	assert.True(t, apperrors.IsLedgerViolation(err))

	// The conflicting apply must not have touched state.
	assert.Equal(t, int64(4*types.LamportsPerSOL), l.Info().SolBalance)
}

func TestApplyTradeTrustsStoreOnRestart(t *testing.T) {
	// A history row can exist for a signature the in-memory dedup map
	// has never seen, e.g. after a restart. The store wins and the call
	// is treated as a replay.
	history := newFakeHistory()
	require.NoError(t, history.Append(context.Background(), &types.Transaction{Signature: "sig-1"}))

	l, err := New(&Config{
		Address: "WaLLetAddr1111111111111111111111111111111111",
		UserID:  "user-1",
		History: history,
		Source:  &fakeBalanceSource{sol: 5 * types.LamportsPerSOL},
		Logger:  logging.NewLogger("error", "console"),
	})
	require.NoError(t, err)
	_, err = l.RefreshBalances(context.Background())
	require.NoError(t, err)

	result, err := l.ApplyTrade(context.Background(), buyResult("sig-1", types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, int64(5*types.LamportsPerSOL), l.Info().SolBalance)
}

func TestApplyTradeValidation(t *testing.T) {
	l, _, _ := newTestLedger(t, types.LamportsPerSOL)

	_, err := l.ApplyTrade(context.Background(), &ExecutionResult{Direction: types.DirectionBuy})
	require.Error(t, err)

	res := buyResult("sig-1", -1, 100)
	_, err = l.ApplyTrade(context.Background(), res)
	require.Error(t, err)

	res = buyResult("sig-2", 100, 100)
	res.Direction = "swap"
	_, err = l.ApplyTrade(context.Background(), res)
	require.Error(t, err)
}

func TestRefreshBalancesOverwritesWholesale(t *testing.T) {
	l, _, source := newTestLedger(t, 5*types.LamportsPerSOL)

	_, err := l.ApplyTrade(context.Background(), buyResult("sig-1", types.LamportsPerSOL, 1_000_000))
	require.NoError(t, err)

	// The chain disagrees with the accumulated state; the refresh wins.
	source.sol = 3 * types.LamportsPerSOL
	source.tokens = []TokenPosition{
		{TokenAddress: "OtherMint11111111111111111111111111111111", Symbol: "OTH", Balance: 42, Decimals: 9},
		{TokenAddress: "ZeroMint111111111111111111111111111111111", Symbol: "ZRO", Balance: 0, Decimals: 9},
	}

	snap, err := l.RefreshBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3*types.LamportsPerSOL), snap.SolBalance)

	// Zero-balance positions from the source are not materialized.
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, "OtherMint11111111111111111111111111111111", snap.Tokens[0].TokenAddress)
}

func TestInfoDoesNotBlockWriters(t *testing.T) {
	l, _, _ := newTestLedger(t, 100*types.LamportsPerSOL)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap := l.Info()
				assert.GreaterOrEqual(t, snap.SolBalance, int64(0))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := l.ApplyTrade(context.Background(), buyResult(fmt.Sprintf("sig-%03d", i), types.LamportsPerSOL, 1000))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(50*types.LamportsPerSOL), l.Info().SolBalance)
	assert.Equal(t, uint64(51), l.Info().Sequence) // refresh + 50 applies
}

func TestConcurrentAppliesSumDeltasInCommitOrder(t *testing.T) {
	const writers = 100
	l, history, _ := newTestLedger(t, writers*types.LamportsPerSOL)

	start := make(chan struct{})
	errs := make(chan error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			result, err := l.ApplyTrade(context.Background(), buyResult(fmt.Sprintf("sig-%03d", i), types.LamportsPerSOL, 1_000))
			if err == nil && result.Outcome != OutcomeApplied {
				err = fmt.Errorf("unexpected outcome %q", result.Outcome)
			}
			errs <- err
		}(i)
	}

	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Whatever order the writers serialized in, every delta landed exactly
	// once and the final state is the plain sum.
	snap := l.Info()
	assert.Equal(t, int64(0), snap.SolBalance)
	assert.Equal(t, uint64(writers+1), snap.Sequence) // refresh + one per commit
	assert.Equal(t, writers, history.count())

	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, int64(writers*1_000), snap.Tokens[0].Balance)
}

func TestSequenceMonotonic(t *testing.T) {
	l, _, _ := newTestLedger(t, 10*types.LamportsPerSOL)

	prev := l.Info().Sequence
	for i := 0; i < 5; i++ {
		result, err := l.ApplyTrade(context.Background(), buyResult(fmt.Sprintf("sig-%03d", i), types.LamportsPerSOL, 1000))
		require.NoError(t, err)
		assert.Greater(t, result.Snapshot.Sequence, prev)
		prev = result.Snapshot.Sequence
	}
}
