package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/api"
	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/execution"
	"github.com/tradesim/execution-engine/internal/holding"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/matcher"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/order"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/position"
	"github.com/tradesim/execution-engine/internal/risk"
	"github.com/tradesim/execution-engine/internal/store"
	"github.com/tradesim/execution-engine/internal/wallet"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestRouter wires the full engine over the in-memory store.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	st := store.NewMemoryStore()
	book := market.NewPriceBook(0)
	idx := pending.NewMemoryIndex()
	locks := keylock.New()
	calc := charges.NewCalculator(charges.DefaultSchedule())
	ledger := wallet.NewLedger(st, nil)
	holdings := holding.NewRecorder(st, nil)
	positions := position.NewManager(st, position.DefaultPolicy(), nil)

	orders := order.NewManager(order.Deps{Store: st, Wallet: ledger, Calc: calc, Prices: book, Index: idx, Locks: locks}, order.DefaultConfig())
	engine := execution.NewEngine(execution.Deps{
		Orders:    st,
		Wallet:    ledger,
		Holdings:  holdings,
		Positions: positions,
		Prices:    book,
		Calc:      calc,
		Index:     idx,
		Locks:     locks,
	})
	feed := market.NewFeed(book, nil, matcher.New(idx, st, engine, book, nil, 4))

	svc := api.NewService(api.Deps{
		Wallets:   ledger,
		Orders:    orders,
		Executor:  engine,
		Ticks:     feed,
		Quotes:    book,
		Squarer:   risk.NewSquareOffer(orders, engine, positions, nil, nil),
		Positions: positions,
		Holdings:  holdings,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decodeInto[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v: %s", err, w.Body.String())
	}
	return v
}

func seed(t *testing.T, router chi.Router, userID, balance, price string) {
	t.Helper()
	expect(t, do(t, router, "POST", "/api/v1/wallets", api.CreateWalletRequest{UserID: userID, InitialBalance: d(balance)}), http.StatusCreated)
	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "INFY", Exchange: "NSE", Price: d(price)}), http.StatusAccepted)
}

func placeMarket(t *testing.T, router chi.Router, userID string, side model.Side, qty int64) model.Order {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/orders", order.PlaceRequest{
		UserID: userID, Symbol: "INFY", Exchange: "NSE",
		Category: model.CategoryIntraday, Variant: model.VariantMarket, Side: side, Quantity: qty,
	})
	expect(t, w, http.StatusCreated)
	return decodeInto[model.Order](t, w)
}

// --- Wallets ---

func TestWallets(t *testing.T) {
	router := newTestRouter(t)

	w := do(t, router, "POST", "/api/v1/wallets", api.CreateWalletRequest{UserID: "u1", InitialBalance: d("1000")})
	expect(t, w, http.StatusCreated)
	created := decodeInto[model.Wallet](t, w)
	if !created.AvailableBalance.Equal(d("1000")) {
		t.Errorf("available = %s, want 1000", created.AvailableBalance)
	}

	expect(t, do(t, router, "POST", "/api/v1/wallets", api.CreateWalletRequest{UserID: "u1"}), http.StatusConflict)
	expect(t, do(t, router, "POST", "/api/v1/wallets", api.CreateWalletRequest{}), http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/wallets/u1/deposit", api.DepositRequest{Amount: d("250.50")})
	expect(t, w, http.StatusOK)
	if got := decodeInto[model.Wallet](t, w); !got.Balance.Equal(d("1250.50")) {
		t.Errorf("balance = %s, want 1250.50", got.Balance)
	}
	expect(t, do(t, router, "POST", "/api/v1/wallets/u1/deposit", api.DepositRequest{Amount: d("-1")}), http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/wallets/u1/transactions", nil)
	expect(t, w, http.StatusOK)
	if txs := decodeInto[[]model.Transaction](t, w); len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}

	expect(t, do(t, router, "GET", "/api/v1/wallets/ghost", nil), http.StatusNotFound)
}

func TestReconcileWallet(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "100000", "100")
	placeMarket(t, router, "u1", model.SideBuy, 10)

	w := do(t, router, "GET", "/api/v1/wallets/u1/reconcile", nil)
	expect(t, w, http.StatusOK)
	rec := decodeInto[wallet.Reconciliation](t, w)
	if !rec.Consistent || len(rec.Breaks) != 0 {
		t.Errorf("expected a clean audit trail, got %+v", rec)
	}
	if !rec.ReplayedLocked.Equal(rec.LockedAmount) || rec.LockedAmount.IsZero() {
		t.Errorf("locked %s, replayed %s", rec.LockedAmount, rec.ReplayedLocked)
	}

	expect(t, do(t, router, "GET", "/api/v1/wallets/ghost/reconcile", nil), http.StatusNotFound)
}

func TestListPrices(t *testing.T) {
	router := newTestRouter(t)
	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "infy", Exchange: "nse", Price: d("101.25")}), http.StatusAccepted)

	w := do(t, router, "GET", "/api/v1/prices", nil)
	expect(t, w, http.StatusOK)
	prices := decodeInto[map[string]decimal.Decimal](t, w)
	if p, ok := prices["NSE:INFY"]; !ok || !p.Equal(d("101.25")) {
		t.Errorf("prices = %v", prices)
	}
}

func TestInvalidBody(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	expect(t, w, http.StatusBadRequest)
}

// --- Orders ---

func TestPlaceOrder_Errors(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "500", "100")

	tests := []struct {
		name   string
		req    order.PlaceRequest
		status int
	}{
		{
			"insufficient funds",
			order.PlaceRequest{UserID: "u1", Symbol: "INFY", Exchange: "NSE", Category: model.CategoryIntraday, Variant: model.VariantMarket, Side: model.SideBuy, Quantity: 10},
			http.StatusPaymentRequired,
		},
		{
			"zero quantity",
			order.PlaceRequest{UserID: "u1", Symbol: "INFY", Exchange: "NSE", Category: model.CategoryIntraday, Variant: model.VariantMarket, Side: model.SideBuy},
			http.StatusBadRequest,
		},
		{
			"no price yet",
			order.PlaceRequest{UserID: "u1", Symbol: "TCS", Exchange: "NSE", Category: model.CategoryIntraday, Variant: model.VariantMarket, Side: model.SideBuy, Quantity: 1},
			http.StatusServiceUnavailable,
		},
		{
			"delivery sell without holding",
			order.PlaceRequest{UserID: "u1", Symbol: "INFY", Exchange: "NSE", Category: model.CategoryDelivery, Variant: model.VariantMarket, Side: model.SideSell, Quantity: 1},
			http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, do(t, router, "POST", "/api/v1/orders", tt.req), tt.status)
		})
	}
}

func TestExecuteAndCancel(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "100000", "100")
	o := placeMarket(t, router, "u1", model.SideBuy, 10)

	expect(t, do(t, router, "POST", "/api/v1/orders/"+o.ID+"/execute", api.UserRequest{UserID: "u2"}), http.StatusNotFound)
	expect(t, do(t, router, "POST", "/api/v1/orders/"+o.ID+"/execute", api.UserRequest{}), http.StatusBadRequest)

	w := do(t, router, "POST", "/api/v1/orders/"+o.ID+"/execute", api.UserRequest{UserID: "u1"})
	expect(t, w, http.StatusOK)
	executed := decodeInto[model.Order](t, w)
	if executed.Status != model.StatusExecuted {
		t.Fatalf("status = %s, want executed", executed.Status)
	}
	if !executed.ExecutedPrice.Equal(d("100")) {
		t.Errorf("executed price = %s, want 100", executed.ExecutedPrice)
	}

	expect(t, do(t, router, "POST", "/api/v1/orders/"+o.ID+"/execute", api.UserRequest{UserID: "u1"}), http.StatusConflict)
	expect(t, do(t, router, "POST", "/api/v1/orders/"+o.ID+"/cancel", api.UserRequest{UserID: "u1"}), http.StatusConflict)

	pendingOrder := placeMarket(t, router, "u1", model.SideBuy, 1)
	w = do(t, router, "POST", "/api/v1/orders/"+pendingOrder.ID+"/cancel", api.UserRequest{UserID: "u1", Reason: "changed my mind"})
	expect(t, w, http.StatusOK)
	if got := decodeInto[model.Order](t, w); got.Status != model.StatusCancelled || got.CancelReason != "changed my mind" {
		t.Errorf("got status %s reason %q", got.Status, got.CancelReason)
	}

	w = do(t, router, "GET", "/api/v1/orders?user_id=u1&status=executed", nil)
	expect(t, w, http.StatusOK)
	if list := decodeInto[[]model.Order](t, w); len(list) != 1 || list[0].ID != o.ID {
		t.Errorf("expected only the executed order, got %d orders", len(list))
	}
	expect(t, do(t, router, "GET", "/api/v1/orders", nil), http.StatusBadRequest)
}

func TestLimitOrderFilledByTick(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "100000", "105")

	w := do(t, router, "POST", "/api/v1/orders", order.PlaceRequest{
		UserID: "u1", Symbol: "INFY", Exchange: "NSE",
		Category: model.CategoryIntraday, Variant: model.VariantLimit, Side: model.SideBuy, Quantity: 5, LimitPrice: d("100"),
	})
	expect(t, w, http.StatusCreated)
	o := decodeInto[model.Order](t, w)

	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "INFY", Exchange: "NSE", Price: d("101")}), http.StatusAccepted)
	w = do(t, router, "GET", "/api/v1/orders/"+o.ID, nil)
	expect(t, w, http.StatusOK)
	if got := decodeInto[model.Order](t, w); got.Status != model.StatusPending {
		t.Fatalf("status = %s after tick above limit, want pending", got.Status)
	}

	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "infy", Exchange: "nse", Price: d("99.5")}), http.StatusAccepted)
	w = do(t, router, "GET", "/api/v1/orders/"+o.ID, nil)
	expect(t, w, http.StatusOK)
	got := decodeInto[model.Order](t, w)
	if got.Status != model.StatusExecuted {
		t.Fatalf("status = %s, want executed", got.Status)
	}
	if !got.ExecutedPrice.Equal(d("99.5")) {
		t.Errorf("executed price = %s, want 99.5", got.ExecutedPrice)
	}
}

func TestPostTick_Invalid(t *testing.T) {
	router := newTestRouter(t)
	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "INFY", Exchange: "NSE", Price: d("0")}), http.StatusBadRequest)
	expect(t, do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "INFY", Exchange: "LSE", Price: d("10")}), http.StatusBadRequest)
}

// --- Positions and portfolio ---

func TestSquareOffAndPortfolio(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "100000", "100")
	o := placeMarket(t, router, "u1", model.SideBuy, 10)
	expect(t, do(t, router, "POST", "/api/v1/orders/"+o.ID+"/execute", api.UserRequest{UserID: "u1"}), http.StatusOK)

	w := do(t, router, "GET", "/api/v1/portfolio/u1", nil)
	expect(t, w, http.StatusOK)
	pf := decodeInto[model.Portfolio](t, w)
	if len(pf.Positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(pf.Positions))
	}
	pos := pf.Positions[0]
	if pos.Quantity != 10 {
		t.Errorf("position quantity = %d, want 10", pos.Quantity)
	}
	if pf.Wallet == nil || !pf.Wallet.LockedAmount.IsZero() {
		t.Errorf("expected wallet with nothing locked, got %+v", pf.Wallet)
	}

	path := "/api/v1/positions/" + pos.ID + "/square-off"
	expect(t, do(t, router, "POST", path, api.UserRequest{UserID: "u2"}), http.StatusNotFound)

	w = do(t, router, "POST", path, api.UserRequest{UserID: "u1"})
	expect(t, w, http.StatusOK)
	exit := decodeInto[model.Order](t, w)
	if exit.Side != model.SideSell || exit.Source != model.SourceUserSquareOff || exit.Status != model.StatusExecuted {
		t.Errorf("unexpected exit order: side %s source %s status %s", exit.Side, exit.Source, exit.Status)
	}
	expect(t, do(t, router, "POST", path, api.UserRequest{UserID: "u1"}), http.StatusConflict)

	w = do(t, router, "GET", "/api/v1/portfolio/u1", nil)
	expect(t, w, http.StatusOK)
	pf = decodeInto[model.Portfolio](t, w)
	if len(pf.Positions) != 0 {
		t.Errorf("expected no open positions, got %d", len(pf.Positions))
	}
	if len(pf.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(pf.Trades))
	}
	if !pf.RealizedPL.Equal(pf.Trades[0].NetPL) {
		t.Errorf("realized %s != trade net %s", pf.RealizedPL, pf.Trades[0].NetPL)
	}
	if !pf.RealizedPL.IsNegative() {
		t.Errorf("flat round trip should lose the charges, got %s", pf.RealizedPL)
	}

	w = do(t, router, "GET", "/api/v1/positions?user_id=u1", nil)
	expect(t, w, http.StatusOK)
	if all := decodeInto[[]model.Position](t, w); len(all) != 1 || !all[0].IsClosed {
		t.Errorf("expected one closed position, got %+v", all)
	}

	expect(t, do(t, router, "GET", "/api/v1/portfolio/ghost", nil), http.StatusNotFound)
}

func TestPostTick_StampsTimestamp(t *testing.T) {
	router := newTestRouter(t)
	seed(t, router, "u1", "100000", "100")

	w := do(t, router, "POST", "/api/v1/ticks", market.Tick{Symbol: "INFY", Exchange: "NSE", Price: d("101")})
	expect(t, w, http.StatusAccepted)
	tick := decodeInto[market.Tick](t, w)
	if tick.Timestamp.IsZero() || time.Since(tick.Timestamp) > time.Minute {
		t.Errorf("tick timestamp not stamped: %s", tick.Timestamp)
	}
}
