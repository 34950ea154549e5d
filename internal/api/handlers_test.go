package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/copy-trader/internal/bus"
	apperrors "github.com/copy-trader/internal/errors"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWalletService struct {
	snapshot  *ledger.Snapshot
	fanout    *ledger.Fanout
	applied   []*ledger.ExecutionResult
	applyErr  error
	refreshed int
	emitted   int
}

func newFakeWalletService() *fakeWalletService {
	return &fakeWalletService{
		snapshot: &ledger.Snapshot{Address: "wallet", SolBalance: types.LamportsPerSOL, Sequence: 1},
		fanout:   ledger.NewFanout(logging.NewLogger("error", "console")),
	}
}

func (f *fakeWalletService) Info() *ledger.Snapshot { return f.snapshot }

func (f *fakeWalletService) ApplyTrade(ctx context.Context, res *ledger.ExecutionResult) (*ledger.ApplyResult, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, res)
	return &ledger.ApplyResult{Outcome: ledger.OutcomeApplied, Snapshot: f.snapshot}, nil
}

func (f *fakeWalletService) RefreshBalances(ctx context.Context) (*ledger.Snapshot, error) {
	f.refreshed++
	return f.snapshot, nil
}

func (f *fakeWalletService) EmitUpdate()             { f.emitted++ }
func (f *fakeWalletService) Fanout() *ledger.Fanout { return f.fanout }

type memTrackedWalletStore struct {
	wallets map[string]*types.TrackedWallet
}

func newMemTrackedWalletStore() *memTrackedWalletStore {
	return &memTrackedWalletStore{wallets: make(map[string]*types.TrackedWallet)}
}

func (m *memTrackedWalletStore) Create(ctx context.Context, w *types.TrackedWallet) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	m.wallets[w.ID] = w
	return nil
}

func (m *memTrackedWalletStore) GetByID(ctx context.Context, id string) (*types.TrackedWallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, fmt.Errorf("tracked wallet not found: %s", id)
	}
	return w, nil
}

func (m *memTrackedWalletStore) List(ctx context.Context, userID string) ([]*types.TrackedWallet, error) {
	var out []*types.TrackedWallet
	for _, w := range m.wallets {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memTrackedWalletStore) SetActive(ctx context.Context, id string, active bool) error {
	w, ok := m.wallets[id]
	if !ok {
		return fmt.Errorf("tracked wallet not found: %s", id)
	}
	w.IsActive = active
	return nil
}

func (m *memTrackedWalletStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.wallets[id]; !ok {
		return fmt.Errorf("tracked wallet not found: %s", id)
	}
	delete(m.wallets, id)
	return nil
}

type memSettingsStore struct {
	settings map[string]*types.CopyTradeSettings
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{settings: make(map[string]*types.CopyTradeSettings)}
}

func (m *memSettingsStore) Upsert(ctx context.Context, s *types.CopyTradeSettings) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	m.settings[s.UserID+"/"+s.TrackedWalletID] = s
	return nil
}

func (m *memSettingsStore) GetByTrackedWallet(ctx context.Context, userID, trackedWalletID string) (*types.CopyTradeSettings, error) {
	s, ok := m.settings[userID+"/"+trackedWalletID]
	if !ok {
		return nil, fmt.Errorf("settings not found for tracked wallet: %s", trackedWalletID)
	}
	return s, nil
}

func (m *memSettingsStore) ListByUser(ctx context.Context, userID string) ([]*types.CopyTradeSettings, error) {
	var out []*types.CopyTradeSettings
	for key, s := range m.settings {
		if strings.HasPrefix(key, userID+"/") {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSettingsStore) Delete(ctx context.Context, userID, trackedWalletID string) error {
	key := userID + "/" + trackedWalletID
	if _, ok := m.settings[key]; !ok {
		return fmt.Errorf("settings not found for tracked wallet: %s", trackedWalletID)
	}
	delete(m.settings, key)
	return nil
}

type memTransactionStore struct {
	rows []*types.Transaction
}

func (m *memTransactionStore) GetBySignature(ctx context.Context, signature string) (*types.Transaction, error) {
	for _, tx := range m.rows {
		if tx.Signature == signature {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("transaction not found: %s", signature)
}

func (m *memTransactionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.Transaction, error) {
	var out []*types.Transaction
	for _, tx := range m.rows {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTransactionStore) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	for _, tx := range m.rows {
		if tx.UserID == userID {
			n++
		}
	}
	return n, nil
}

type memWatchlistStore struct {
	lists  map[string]*types.Watchlist
	tokens map[string][]*types.WatchlistToken
}

func newMemWatchlistStore() *memWatchlistStore {
	return &memWatchlistStore{
		lists:  make(map[string]*types.Watchlist),
		tokens: make(map[string][]*types.WatchlistToken),
	}
}

func (m *memWatchlistStore) Create(ctx context.Context, wl *types.Watchlist) error {
	if wl.ID == "" {
		wl.ID = uuid.New().String()
	}
	m.lists[wl.ID] = wl
	return nil
}

func (m *memWatchlistStore) GetByID(ctx context.Context, id string) (*types.Watchlist, error) {
	wl, ok := m.lists[id]
	if !ok {
		return nil, fmt.Errorf("watchlist not found: %s", id)
	}
	return wl, nil
}

func (m *memWatchlistStore) ListByUser(ctx context.Context, userID string) ([]*types.Watchlist, error) {
	var out []*types.Watchlist
	for _, wl := range m.lists {
		if wl.UserID == userID {
			out = append(out, wl)
		}
	}
	return out, nil
}

func (m *memWatchlistStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.lists[id]; !ok {
		return fmt.Errorf("watchlist not found: %s", id)
	}
	delete(m.lists, id)
	delete(m.tokens, id)
	return nil
}

func (m *memWatchlistStore) AddToken(ctx context.Context, watchlistID, tokenAddress string) (*types.WatchlistToken, error) {
	for _, t := range m.tokens[watchlistID] {
		if t.TokenAddress == tokenAddress {
			return t, nil
		}
	}
	token := &types.WatchlistToken{ID: uuid.New().String(), WatchlistID: watchlistID, TokenAddress: tokenAddress, AddedAt: time.Now()}
	m.tokens[watchlistID] = append(m.tokens[watchlistID], token)
	return token, nil
}

func (m *memWatchlistStore) RemoveToken(ctx context.Context, watchlistID, tokenAddress string) error {
	tokens := m.tokens[watchlistID]
	for i, t := range tokens {
		if t.TokenAddress == tokenAddress {
			m.tokens[watchlistID] = append(tokens[:i], tokens[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("token not in watchlist: %s", tokenAddress)
}

func (m *memWatchlistStore) ListTokens(ctx context.Context, watchlistID string) ([]*types.WatchlistToken, error) {
	return m.tokens[watchlistID], nil
}

type recordingPublisher struct {
	walletChanges []*bus.WalletChange
	settings      []*types.CopyTradeSettings
}

func (p *recordingPublisher) PublishTrackedWalletChange(ctx context.Context, change *bus.WalletChange) error {
	p.walletChanges = append(p.walletChanges, change)
	return nil
}

func (p *recordingPublisher) PublishSettingsUpdate(ctx context.Context, settings *types.CopyTradeSettings) error {
	p.settings = append(p.settings, settings)
	return nil
}

type fixture struct {
	server    *Server
	wallet    *fakeWalletService
	wallets   *memTrackedWalletStore
	settings  *memSettingsStore
	txs       *memTransactionStore
	lists     *memWatchlistStore
	publisher *recordingPublisher
}

func newFixture() *fixture {
	f := &fixture{
		wallet:    newFakeWalletService(),
		wallets:   newMemTrackedWalletStore(),
		settings:  newMemSettingsStore(),
		txs:       &memTransactionStore{},
		lists:     newMemWatchlistStore(),
		publisher: &recordingPublisher{},
	}
	f.server = NewServer(
		&ServerConfig{Host: "localhost", Port: "0", RateLimitRPS: 1000, DefaultUserID: "user-1"},
		f.wallet, f.wallets, f.settings, f.txs, f.lists, f.publisher,
		logging.NewLogger("error", "console"),
	)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWalletInfo(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot ledger.Snapshot
	decodeBody(t, rec, &snapshot)
	assert.Equal(t, types.LamportsPerSOL, snapshot.SolBalance)
}

func TestTradeExecution(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/wallet/trade", map[string]interface{}{
		"signature":     "sig-1",
		"token_address": "Mint111111111111111111111111111111111111111",
		"direction":     "buy",
		"amount_token":  1000,
		"amount_sol":    500,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.wallet.applied, 1)
	assert.Equal(t, "sig-1", f.wallet.applied[0].Signature)
	assert.Equal(t, types.DirectionBuy, f.wallet.applied[0].Direction)
}

func TestTradeExecutionLedgerViolation(t *testing.T) {
	f := newFixture()
	f.wallet.applyErr = apperrors.NewLedgerViolation("duplicate signature with mismatched payload", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/wallet/trade", map[string]interface{}{
		"signature":     "sig-1",
		"token_address": "Mint111111111111111111111111111111111111111",
		"direction":     "buy",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTradeExecutionRejectsBadBody(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/trade", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAndEmit(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/wallet/refresh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.wallet.refreshed)

	rec = f.do(t, http.MethodPost, "/api/v1/wallet/emit", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.wallet.emitted)
}

func TestTrackedWalletLifecycle(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/tracked-wallets", map[string]string{
		"wallet_address": "Tracked1111111111111111111111111111111111",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.TrackedWallet
	decodeBody(t, rec, &created)
	assert.True(t, created.IsActive)
	assert.Equal(t, "user-1", created.UserID)

	// Archive stops copying but keeps the record.
	rec = f.do(t, http.MethodPut, "/api/v1/tracked-wallets/"+created.ID+"/active", map[string]bool{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tracked-wallets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched types.TrackedWallet
	decodeBody(t, rec, &fetched)
	assert.False(t, fetched.IsActive)

	rec = f.do(t, http.MethodDelete, "/api/v1/tracked-wallets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tracked-wallets/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Every mutation reached the bus: add, archive, delete.
	require.Len(t, f.publisher.walletChanges, 3)
	assert.Equal(t, "add", f.publisher.walletChanges[0].Action)
	assert.Equal(t, "archive", f.publisher.walletChanges[1].Action)
	assert.Equal(t, "delete", f.publisher.walletChanges[2].Action)
}

func TestTrackedWalletValidation(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/tracked-wallets", map[string]string{"wallet_address": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsUpsertAppliesDefaults(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPut, "/api/v1/settings", map[string]interface{}{
		"tracked_wallet_id": "tw-1",
		"is_enabled":        true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var settings types.CopyTradeSettings
	decodeBody(t, rec, &settings)
	assert.Equal(t, types.LamportsPerSOL/100, settings.TradeAmountSol)
	assert.Equal(t, 1, settings.MaxOpenPositions)
	assert.True(t, settings.IsEnabled)

	require.Len(t, f.publisher.settings, 1)
}

func TestSettingsUpsertValidation(t *testing.T) {
	f := newFixture()

	cases := []map[string]interface{}{
		{"is_enabled": true},                                   // missing tracked_wallet_id
		{"tracked_wallet_id": "tw-1", "trade_amount_sol": -5},  // negative size
		{"tracked_wallet_id": "tw-1", "max_open_positions": 0}, // zero positions
		{"tracked_wallet_id": "tw-1", "max_slippage": "1.5"},   // slippage over 100%
		{"tracked_wallet_id": "tw-1", "min_sol_balance": -1},   // negative floor
	}

	for _, body := range cases {
		rec := f.do(t, http.MethodPut, "/api/v1/settings", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %v", body)
	}
}

func TestSettingsGetAndDelete(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPut, "/api/v1/settings", map[string]interface{}{
		"tracked_wallet_id": "tw-1",
		"is_enabled":        true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settings/tw-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/settings/tw-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/settings/tw-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionsPagination(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		f.txs.rows = append(f.txs.rows, &types.Transaction{
			ID: uuid.New().String(), UserID: "user-1", Signature: fmt.Sprintf("sig-%d", i),
		})
	}

	rec := f.do(t, http.MethodGet, "/api/v1/transactions?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []*types.Transaction `json:"transactions"`
		Total        int64                `json:"total"`
	}
	decodeBody(t, rec, &body)
	assert.Len(t, body.Transactions, 2)
	assert.Equal(t, int64(5), body.Total)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/sig-3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchlistLifecycle(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/watchlists", map[string]string{"name": "movers"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wl types.Watchlist
	decodeBody(t, rec, &wl)

	rec = f.do(t, http.MethodPost, "/api/v1/watchlists/"+wl.ID+"/tokens", map[string]string{
		"token_address": "Mint111111111111111111111111111111111111111",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate add is a no-op, not an error.
	rec = f.do(t, http.MethodPost, "/api/v1/watchlists/"+wl.ID+"/tokens", map[string]string{
		"token_address": "Mint111111111111111111111111111111111111111",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/watchlists/"+wl.ID+"/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &tokens)
	assert.Equal(t, 1, tokens.Count)

	rec = f.do(t, http.MethodDelete, "/api/v1/watchlists/"+wl.ID+"/tokens/Mint111111111111111111111111111111111111111", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/watchlists/"+wl.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	f := &fixture{
		wallet:    newFakeWalletService(),
		wallets:   newMemTrackedWalletStore(),
		settings:  newMemSettingsStore(),
		txs:       &memTransactionStore{},
		lists:     newMemWatchlistStore(),
		publisher: &recordingPublisher{},
	}
	f.server = NewServer(
		&ServerConfig{Host: "localhost", Port: "0", RateLimitRPS: 1, DefaultUserID: "user-1"},
		f.wallet, f.wallets, f.settings, f.txs, f.lists, f.publisher,
		logging.NewLogger("error", "console"),
	)

	var limited bool
	for i := 0; i < 20; i++ {
		rec := f.do(t, http.MethodGet, "/api/v1/wallet", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected rate limiting to kick in")
}

func TestWalletUpdatesStream(t *testing.T) {
	f := newFixture()

	server := httptest.NewServer(f.server.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/wallet/updates"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Initial snapshot on connect.
	var first ledger.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(1), first.Sequence)

	// A published update arrives on the stream.
	f.wallet.fanout.Publish(&ledger.Snapshot{Address: "wallet", Sequence: 2})
	var second ledger.Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, uint64(2), second.Sequence)
}
