// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/copy-trader/internal/bus"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/types"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// WalletService is the ledger surface the API exposes.
type WalletService interface {
	Info() *ledger.Snapshot
	ApplyTrade(ctx context.Context, res *ledger.ExecutionResult) (*ledger.ApplyResult, error)
	RefreshBalances(ctx context.Context) (*ledger.Snapshot, error)
	EmitUpdate()
	Fanout() *ledger.Fanout
}

// TrackedWalletStore defines the tracked-wallet repository operations.
type TrackedWalletStore interface {
	Create(ctx context.Context, wallet *types.TrackedWallet) error
	GetByID(ctx context.Context, id string) (*types.TrackedWallet, error)
	List(ctx context.Context, userID string) ([]*types.TrackedWallet, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// SettingsStore defines the copy-trade settings repository operations.
type SettingsStore interface {
	Upsert(ctx context.Context, settings *types.CopyTradeSettings) error
	GetByTrackedWallet(ctx context.Context, userID, trackedWalletID string) (*types.CopyTradeSettings, error)
	ListByUser(ctx context.Context, userID string) ([]*types.CopyTradeSettings, error)
	Delete(ctx context.Context, userID, trackedWalletID string) error
}

// TransactionStore defines the execution-history repository operations.
type TransactionStore interface {
	GetBySignature(ctx context.Context, signature string) (*types.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*types.Transaction, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// WatchlistStore defines the watchlist repository operations.
type WatchlistStore interface {
	Create(ctx context.Context, wl *types.Watchlist) error
	GetByID(ctx context.Context, id string) (*types.Watchlist, error)
	ListByUser(ctx context.Context, userID string) ([]*types.Watchlist, error)
	Delete(ctx context.Context, id string) error
	AddToken(ctx context.Context, watchlistID, tokenAddress string) (*types.WatchlistToken, error)
	RemoveToken(ctx context.Context, watchlistID, tokenAddress string) error
	ListTokens(ctx context.Context, watchlistID string) ([]*types.WatchlistToken, error)
}

// Publisher pushes change notifications onto the bus so running
// monitors pick them up. Nil disables publishing.
type Publisher interface {
	PublishTrackedWalletChange(ctx context.Context, change *bus.WalletChange) error
	PublishSettingsUpdate(ctx context.Context, settings *types.CopyTradeSettings) error
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	wallet       WalletService
	wallets      TrackedWalletStore
	settings     SettingsStore
	transactions TransactionStore
	watchlists   WatchlistStore
	publisher    Publisher
	config       *ServerConfig
	logger       *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	// DefaultUserID scopes requests that carry no X-User-ID header.
	DefaultUserID string
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	wallet WalletService,
	wallets TrackedWalletStore,
	settings SettingsStore,
	transactions TransactionStore,
	watchlists WatchlistStore,
	publisher Publisher,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		wallet:       wallet,
		wallets:      wallets,
		settings:     settings,
		transactions: transactions,
		watchlists:   watchlists,
		publisher:    publisher,
		config:       config,
		logger:       logger,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rps := s.config.RateLimitRPS
	if rps == 0 {
		rps = 20
	}
	rateLimiter := NewRateLimiter(rps)

	// Middleware order matters: logging wraps everything, rate limiting
	// runs after CORS so preflights stay cheap.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Managed wallet endpoints
	api.HandleFunc("/wallet", s.handleWalletInfo).Methods("GET")
	api.HandleFunc("/wallet/trade", s.handleTradeExecution).Methods("POST")
	api.HandleFunc("/wallet/refresh", s.handleRefreshBalances).Methods("POST")
	api.HandleFunc("/wallet/emit", s.handleEmitUpdate).Methods("POST")
	api.HandleFunc("/wallet/updates", s.handleWalletUpdates).Methods("GET")

	// Tracked wallet endpoints
	api.HandleFunc("/tracked-wallets", s.handleAddTrackedWallet).Methods("POST")
	api.HandleFunc("/tracked-wallets", s.handleListTrackedWallets).Methods("GET")
	api.HandleFunc("/tracked-wallets/{id}", s.handleGetTrackedWallet).Methods("GET")
	api.HandleFunc("/tracked-wallets/{id}/active", s.handleSetTrackedWalletActive).Methods("PUT")
	api.HandleFunc("/tracked-wallets/{id}", s.handleDeleteTrackedWallet).Methods("DELETE")

	// Copy-trade settings endpoints
	api.HandleFunc("/settings", s.handleUpsertSettings).Methods("PUT")
	api.HandleFunc("/settings", s.handleListSettings).Methods("GET")
	api.HandleFunc("/settings/{trackedWalletID}", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings/{trackedWalletID}", s.handleDeleteSettings).Methods("DELETE")

	// Execution history endpoints
	api.HandleFunc("/transactions", s.handleListTransactions).Methods("GET")
	api.HandleFunc("/transactions/{signature}", s.handleGetTransaction).Methods("GET")

	// Watchlist endpoints
	api.HandleFunc("/watchlists", s.handleCreateWatchlist).Methods("POST")
	api.HandleFunc("/watchlists", s.handleListWatchlists).Methods("GET")
	api.HandleFunc("/watchlists/{id}", s.handleGetWatchlist).Methods("GET")
	api.HandleFunc("/watchlists/{id}", s.handleDeleteWatchlist).Methods("DELETE")
	api.HandleFunc("/watchlists/{id}/tokens", s.handleAddWatchlistToken).Methods("POST")
	api.HandleFunc("/watchlists/{id}/tokens", s.handleListWatchlistTokens).Methods("GET")
	api.HandleFunc("/watchlists/{id}/tokens/{tokenAddress}", s.handleRemoveWatchlistToken).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "copy-trader",
	})
}

// userID resolves the user scope of a request.
func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if s.config.DefaultUserID != "" {
		return s.config.DefaultUserID
	}
	return "default"
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
