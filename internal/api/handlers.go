// Package api provides the HTTP handlers for wallets, orders, ticks,
// positions and portfolios, and the WebSocket hub for engine events.
//
// All monetary values are shopspring/decimal and travel as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/order"
	"github.com/tradesim/execution-engine/internal/store"
	"github.com/tradesim/execution-engine/internal/wallet"
)

// Wallets is the ledger surface used by the API.
type Wallets interface {
	CreateWallet(ctx context.Context, userID string, initial decimal.Decimal) (*model.Wallet, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error)
	Get(ctx context.Context, userID string) (*model.Wallet, error)
	Transactions(ctx context.Context, userID string) ([]model.Transaction, error)
	Reconcile(ctx context.Context, userID string) (*wallet.Reconciliation, error)
}

// Orders places, cancels and reads orders.
type Orders interface {
	PlaceOrder(ctx context.Context, req order.PlaceRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID, userID, reason string) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
}

// Executor executes market orders on demand.
type Executor interface {
	ExecuteMarket(ctx context.Context, orderID string) (*model.Order, error)
}

// Ticks ingests price ticks.
type Ticks interface {
	Publish(ctx context.Context, t market.Tick) error
}

// Quotes exposes the last known prices.
type Quotes interface {
	Snapshot() map[string]decimal.Decimal
}

// Squarer closes positions.
type Squarer interface {
	SquareOff(ctx context.Context, userID, positionID, source, reason string) (*model.Order, error)
}

// Positions lists positions.
type Positions interface {
	List(ctx context.Context, f store.PositionFilter) ([]model.Position, error)
}

// Holdings lists holdings and realized trades.
type Holdings interface {
	List(ctx context.Context, userID string) ([]model.Holding, error)
	Trades(ctx context.Context, userID string) ([]model.Trade, error)
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Wallets   Wallets
	Orders    Orders
	Executor  Executor
	Ticks     Ticks
	Quotes    Quotes
	Squarer   Squarer
	Positions Positions
	Holdings  Holdings
	Logger    *slog.Logger
}

// Service serves the engine's HTTP API.
type Service struct {
	wallets   Wallets
	orders    Orders
	exec      Executor
	ticks     Ticks
	quotes    Quotes
	squarer   Squarer
	positions Positions
	holdings  Holdings
	logger    *slog.Logger
}

// NewService creates the API service.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		wallets:   deps.Wallets,
		orders:    deps.Orders,
		exec:      deps.Executor,
		ticks:     deps.Ticks,
		quotes:    deps.Quotes,
		squarer:   deps.Squarer,
		positions: deps.Positions,
		holdings:  deps.Holdings,
		logger:    deps.Logger,
	}
}

// Routes registers every handler on r. Callers mount r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/wallets", s.CreateWallet)
	r.Get("/wallets/{userID}", s.GetWallet)
	r.Post("/wallets/{userID}/deposit", s.Deposit)
	r.Get("/wallets/{userID}/transactions", s.ListTransactions)
	r.Get("/wallets/{userID}/reconcile", s.Reconcile)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/execute", s.ExecuteOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)

	r.Post("/ticks", s.PostTick)
	r.Get("/prices", s.ListPrices)

	r.Get("/positions", s.ListPositions)
	r.Post("/positions/{positionID}/square-off", s.SquareOff)

	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request types ---

// CreateWalletRequest is the JSON body for POST /wallets.
type CreateWalletRequest struct {
	UserID         string          `json:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// DepositRequest is the JSON body for POST /wallets/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// UserRequest is the JSON body of calls acting on behalf of a user.
type UserRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// --- Wallets ---

// CreateWallet handles POST /api/v1/wallets
func (s *Service) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.wallets.CreateWallet(r.Context(), req.UserID, req.InitialBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.wallets.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.wallets.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions handles GET /api/v1/wallets/{userID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.wallets.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// Reconcile handles GET /api/v1/wallets/{userID}/reconcile
// Replays the audit trail and reports whether it matches the wallet.
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.wallets.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders?user_id=...&status=...
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OrderFilter{UserID: q.Get("user_id"), Symbol: q.Get("symbol"), Exchange: q.Get("exchange")}
	if f.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, model.OrderStatus(st))
	}
	orders, err := s.orders.ListOrders(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ExecuteOrder handles POST /api/v1/orders/{orderID}/execute
// Executes a pending market order at the current price.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if !s.owns(w, r, orderID, req.UserID) {
		return
	}

	o, err := s.exec.ExecuteMarket(r.Context(), orderID)
	if err != nil {
		if o != nil && errors.Is(err, model.ErrExecutionFailure) {
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "order": o})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.orders.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.UserID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// owns writes 404 and returns false unless orderID belongs to userID.
func (s *Service) owns(w http.ResponseWriter, r *http.Request, orderID, userID string) bool {
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return false
	}
	o, err := s.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if o.UserID != userID {
		writeError(w, "order not found", http.StatusNotFound)
		return false
	}
	return true
}

// --- Market data ---

// PostTick handles POST /api/v1/ticks
// The tick is applied to the price book and evaluated synchronously.
// Failures of individual consumers are logged and do not fail the request.
func (s *Service) PostTick(w http.ResponseWriter, r *http.Request) {
	var t market.Tick
	if !decode(w, r, &t) {
		return
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	t, err := t.Normalize()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.ticks.Publish(r.Context(), t); err != nil {
		s.logger.Warn("tick processed with errors", "symbol", t.Symbol, "exchange", t.Exchange, "err", err)
	}
	writeJSON(w, http.StatusAccepted, t)
}

// ListPrices handles GET /api/v1/prices
// Returns the last traded price of every instrument keyed "EXCHANGE:SYMBOL".
func (s *Service) ListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quotes.Snapshot())
}

// --- Positions ---

// ListPositions handles GET /api/v1/positions?user_id=...&open=true
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PositionFilter{UserID: q.Get("user_id"), OpenOnly: q.Get("open") == "true"}
	if f.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	positions, err := s.positions.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// SquareOff handles POST /api/v1/positions/{positionID}/square-off
func (s *Service) SquareOff(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "user request"
	}
	o, err := s.squarer.SquareOff(r.Context(), req.UserID, chi.URLParam(r, "positionID"), model.SourceUserSquareOff, reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns the wallet, open positions, holdings and realized trades with
// their totals.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	wallet, err := s.wallets.Get(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	positions, err := s.positions.List(ctx, store.PositionFilter{UserID: userID, OpenOnly: true})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	holdings, err := s.holdings.List(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.holdings.Trades(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	p := model.Portfolio{
		UserID:          userID,
		Wallet:          wallet,
		Positions:       positions,
		Holdings:        holdings,
		Trades:          trades,
		UnrealizedPL:    decimal.Zero,
		RealizedPL:      decimal.Zero,
		TotalInvestment: decimal.Zero,
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	if p.Holdings == nil {
		p.Holdings = []model.Holding{}
	}
	if p.Trades == nil {
		p.Trades = []model.Trade{}
	}
	for _, pos := range p.Positions {
		p.UnrealizedPL = p.UnrealizedPL.Add(pos.UnrealizedPL)
	}
	for _, t := range p.Trades {
		p.RealizedPL = p.RealizedPL.Add(t.NetPL)
	}
	for _, h := range p.Holdings {
		p.TotalInvestment = p.TotalInvestment.Add(h.TotalInvestment)
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

// statusFor maps engine errors to HTTP status codes. An execution failure
// means the order was rejected, whatever caused it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrExecutionFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// not echoed to the client.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
