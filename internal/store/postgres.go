package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradesim/execution-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Wallets ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, locked_amount, available_balance,
		                      realized_profit, realized_loss, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance.String(), w.LockedAmount.String(), w.AvailableBalance.String(),
		w.RealizedProfit.String(), w.RealizedLoss.String(), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", w.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet for user %s already exists", model.ErrStateConflict, w.UserID)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, locked, available, profit, loss string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, locked_amount::TEXT, available_balance::TEXT,
		        realized_profit::TEXT, realized_loss::TEXT, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &balance, &locked, &available, &profit, &loss, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "wallet for user %s", userID)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	w.LockedAmount, _ = decimal.NewFromString(locked)
	w.AvailableBalance, _ = decimal.NewFromString(available)
	w.RealizedProfit, _ = decimal.NewFromString(profit)
	w.RealizedLoss, _ = decimal.NewFromString(loss)
	return &w, nil
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2::NUMERIC, locked_amount = $3::NUMERIC, available_balance = $4::NUMERIC,
		     realized_profit = $5::NUMERIC, realized_loss = $6::NUMERIC, updated_at = $7
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.LockedAmount.String(), w.AvailableBalance.String(),
		w.RealizedProfit.String(), w.RealizedLoss.String(), w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("wallet for user %s", w.UserID)
	}
	return nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, type, kind, amount, reason,
		                                  balance_before, balance_after, locked_before, locked_after,
		                                  order_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		tx.ID, tx.UserID, tx.Type, tx.Kind, tx.Amount.String(), tx.Reason,
		tx.BalanceBefore.String(), tx.BalanceAfter.String(),
		tx.LockedBefore.String(), tx.LockedAfter.String(),
		tx.OrderID, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, kind, amount::TEXT, reason,
		        balance_before::TEXT, balance_after::TEXT, locked_before::TEXT, locked_after::TEXT,
		        order_id, created_at
		 FROM wallet_transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var amount, bb, ba, lb, la string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Kind, &amount, &tx.Reason,
			&bb, &ba, &lb, &la, &tx.OrderID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		tx.BalanceBefore, _ = decimal.NewFromString(bb)
		tx.BalanceAfter, _ = decimal.NewFromString(ba)
		tx.LockedBefore, _ = decimal.NewFromString(lb)
		tx.LockedAfter, _ = decimal.NewFromString(la)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- Orders ---

const orderColumns = `id, user_id, symbol, exchange, category, variant, side, quantity,
	limit_price::TEXT, trigger_price::TEXT, status, estimated_price::TEXT, reserved_amount::TEXT,
	executed_price::TEXT, executed_quantity, order_value::TEXT, charges, net_amount::TEXT,
	source, position_id, rejection_reason, cancel_reason, created_at, updated_at, executed_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	charges, err := json.Marshal(o.Charges)
	if err != nil {
		return fmt.Errorf("encode charges: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, exchange, category, variant, side, quantity,
		                     limit_price, trigger_price, status, estimated_price, reserved_amount,
		                     executed_price, executed_quantity, order_value, charges, net_amount,
		                     source, position_id, rejection_reason, cancel_reason,
		                     created_at, updated_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15, $16::NUMERIC, $17, $18::NUMERIC,
		         $19, $20, $21, $22, $23, $24, $25)`,
		o.ID, o.UserID, o.Symbol, o.Exchange, o.Category, o.Variant, o.Side, o.Quantity,
		o.LimitPrice.String(), o.TriggerPrice.String(), o.Status,
		o.EstimatedPrice.String(), o.ReservedAmount.String(),
		o.ExecutedPrice.String(), o.ExecutedQuantity, o.OrderValue.String(), charges, o.NetAmount.String(),
		o.Source, o.PositionID, o.RejectionReason, o.CancelReason,
		o.CreatedAt, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	charges, err := json.Marshal(o.Charges)
	if err != nil {
		return fmt.Errorf("encode charges: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, estimated_price = $3::NUMERIC, reserved_amount = $4::NUMERIC,
		     executed_price = $5::NUMERIC, executed_quantity = $6, order_value = $7::NUMERIC,
		     charges = $8, net_amount = $9::NUMERIC, position_id = $10,
		     rejection_reason = $11, cancel_reason = $12, updated_at = $13, executed_at = $14
		 WHERE id = $1`,
		o.ID, o.Status, o.EstimatedPrice.String(), o.ReservedAmount.String(),
		o.ExecutedPrice.String(), o.ExecutedQuantity, o.OrderValue.String(),
		charges, o.NetAmount.String(), o.PositionID,
		o.RejectionReason, o.CancelReason, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("order %s", o.ID)
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var w where
	w.eq("user_id", f.UserID)
	w.eq("symbol", f.Symbol)
	w.eq("exchange", f.Exchange)
	w.eq("category", string(f.Category))
	w.eq("side", string(f.Side))
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		w.oneOf("status", statuses)
	}
	if len(f.Variants) > 0 {
		variants := make([]string, len(f.Variants))
		for i, v := range f.Variants {
			variants[i] = string(v)
		}
		w.oneOf("variant", variants)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limit, trigger, estimated, reserved, executed, value, net string
	var charges []byte

	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Exchange, &o.Category, &o.Variant, &o.Side, &o.Quantity,
		&limit, &trigger, &o.Status, &estimated, &reserved,
		&executed, &o.ExecutedQuantity, &value, &charges, &net,
		&o.Source, &o.PositionID, &o.RejectionReason, &o.CancelReason,
		&o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt); err != nil {
		return nil, err
	}

	o.LimitPrice, _ = decimal.NewFromString(limit)
	o.TriggerPrice, _ = decimal.NewFromString(trigger)
	o.EstimatedPrice, _ = decimal.NewFromString(estimated)
	o.ReservedAmount, _ = decimal.NewFromString(reserved)
	o.ExecutedPrice, _ = decimal.NewFromString(executed)
	o.OrderValue, _ = decimal.NewFromString(value)
	o.NetAmount, _ = decimal.NewFromString(net)
	if len(charges) > 0 {
		if err := json.Unmarshal(charges, &o.Charges); err != nil {
			return nil, fmt.Errorf("decode charges of order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

// --- Positions ---

const positionColumns = `id, user_id, symbol, exchange, category, quantity,
	average_price::TEXT, mark_price::TEXT, unrealized_pl::TEXT, realized_pl::TEXT,
	held_quantity, expires_at, is_closed, closed_reason, is_converted,
	opened_at, updated_at, closed_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "position %s", id)
	}
	return p, nil
}

func (s *PostgresStore) FindOpenPosition(ctx context.Context, userID, symbol, exchange string, category model.OrderCategory) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND exchange = $3 AND category = $4 AND NOT is_closed`,
		userID, symbol, exchange, category)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "open %s position for %s on %s:%s", category, userID, exchange, symbol)
	}
	return p, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, exchange, category, quantity,
		                        average_price, mark_price, unrealized_pl, realized_pl,
		                        held_quantity, expires_at, is_closed, closed_reason, is_converted,
		                        opened_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
		     mark_price = EXCLUDED.mark_price, unrealized_pl = EXCLUDED.unrealized_pl,
		     realized_pl = EXCLUDED.realized_pl, held_quantity = EXCLUDED.held_quantity,
		     expires_at = EXCLUDED.expires_at, is_closed = EXCLUDED.is_closed,
		     closed_reason = EXCLUDED.closed_reason, is_converted = EXCLUDED.is_converted,
		     updated_at = EXCLUDED.updated_at, closed_at = EXCLUDED.closed_at`,
		p.ID, p.UserID, p.Symbol, p.Exchange, p.Category, p.Quantity,
		p.AveragePrice.String(), p.MarkPrice.String(), p.UnrealizedPL.String(), p.RealizedPL.String(),
		p.HeldQuantity, p.ExpiresAt, p.IsClosed, p.ClosedReason, p.IsConverted,
		p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	var w where
	w.eq("user_id", f.UserID)
	w.eq("symbol", f.Symbol)
	w.eq("exchange", f.Exchange)
	w.eq("category", string(f.Category))
	if f.OpenOnly {
		w.clause("NOT is_closed")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions`+w.sql()+` ORDER BY opened_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg, mark, unrealized, realized string

	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Exchange, &p.Category, &p.Quantity,
		&avg, &mark, &unrealized, &realized,
		&p.HeldQuantity, &p.ExpiresAt, &p.IsClosed, &p.ClosedReason, &p.IsConverted,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.MarkPrice, _ = decimal.NewFromString(mark)
	p.UnrealizedPL, _ = decimal.NewFromString(unrealized)
	p.RealizedPL, _ = decimal.NewFromString(realized)
	return &p, nil
}

// --- Holdings ---

const holdingColumns = `id, user_id, symbol, exchange, quantity,
	average_buy_price::TEXT, total_investment::TEXT, created_at, updated_at`

func (s *PostgresStore) GetHolding(ctx context.Context, userID, symbol, exchange string) (*model.Holding, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND symbol = $2 AND exchange = $3`,
		userID, symbol, exchange)
	h, err := scanHolding(row)
	if err != nil {
		return nil, notFound(err, "holding %s:%s for user %s", exchange, symbol, userID)
	}
	return h, nil
}

func (s *PostgresStore) SaveHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (id, user_id, symbol, exchange, quantity,
		                       average_buy_price, total_investment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, symbol, exchange) DO UPDATE
		 SET quantity = EXCLUDED.quantity, average_buy_price = EXCLUDED.average_buy_price,
		     total_investment = EXCLUDED.total_investment, updated_at = EXCLUDED.updated_at`,
		h.ID, h.UserID, h.Symbol, h.Exchange, h.Quantity,
		h.AverageBuyPrice.String(), h.TotalInvestment.String(), h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save holding %s:%s for %s: %w", h.Exchange, h.Symbol, h.UserID, err)
	}
	return nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func scanHolding(row pgx.Row) (*model.Holding, error) {
	var h model.Holding
	var avg, invested string
	if err := row.Scan(&h.ID, &h.UserID, &h.Symbol, &h.Exchange, &h.Quantity,
		&avg, &invested, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AverageBuyPrice, _ = decimal.NewFromString(avg)
	h.TotalInvestment, _ = decimal.NewFromString(invested)
	return &h, nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, exchange, category, buy_order_id, sell_order_id,
		                     quantity, buy_price, sell_price, buy_charges, sell_charges,
		                     gross_pl, net_pl, buy_time, sell_time, holding_duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15, $16, $17)`,
		t.ID, t.UserID, t.Symbol, t.Exchange, t.Category, t.BuyOrderID, t.SellOrderID,
		t.Quantity, t.BuyPrice.String(), t.SellPrice.String(),
		t.BuyCharges.String(), t.SellCharges.String(),
		t.GrossPL.String(), t.NetPL.String(),
		t.BuyTime, t.SellTime, int64(t.HoldingDuration),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var w where
	w.eq("user_id", f.UserID)
	w.eq("symbol", f.Symbol)
	w.eq("exchange", f.Exchange)
	w.eq("buy_order_id", f.BuyOrderID)

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, exchange, category, buy_order_id, sell_order_id, quantity,
		        buy_price::TEXT, sell_price::TEXT, buy_charges::TEXT, sell_charges::TEXT,
		        gross_pl::TEXT, net_pl::TEXT, buy_time, sell_time, holding_duration
		 FROM trades`+w.sql()+` ORDER BY seq`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var buyPrice, sellPrice, buyCharges, sellCharges, gross, net string
		var duration int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Exchange, &t.Category,
			&t.BuyOrderID, &t.SellOrderID, &t.Quantity,
			&buyPrice, &sellPrice, &buyCharges, &sellCharges,
			&gross, &net, &t.BuyTime, &t.SellTime, &duration); err != nil {
			return nil, err
		}
		t.BuyPrice, _ = decimal.NewFromString(buyPrice)
		t.SellPrice, _ = decimal.NewFromString(sellPrice)
		t.BuyCharges, _ = decimal.NewFromString(buyCharges)
		t.SellCharges, _ = decimal.NewFromString(sellCharges)
		t.GrossPL, _ = decimal.NewFromString(gross)
		t.NetPL, _ = decimal.NewFromString(net)
		t.HoldingDuration = time.Duration(duration)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Query helpers ---

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) oneOf(column string, values []string) {
	w.args = append(w.args, values)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = ANY($%d)", column, len(w.args)))
}

func (w *where) clause(c string) {
	w.clauses = append(w.clauses, c)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// notFound maps pgx.ErrNoRows to model.ErrNotFound and wraps anything else.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf(format, args...)
	}
	return fmt.Errorf("get %s: %w", fmt.Sprintf(format, args...), err)
}
