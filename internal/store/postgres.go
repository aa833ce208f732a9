package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanshare/dpc-exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money and quantities are BIGINT minor units. Transactions run at
// SERIALIZABLE isolation and lock the rows they mutate with FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	playerColumns = `id, club_id, circulation, floor_price, last_price, ipo_price, liquidated, created_at`
	ipoColumns    = `id, player_id, status, price, total_offered, sold, max_per_user,
		starts_at, ends_at, early_access_ends_at, created_at, updated_at`
	orderColumns   = `id, seq, user_id, player_id, price, quantity, filled_qty, status, created_at, expires_at`
	holdingColumns = `user_id, player_id, quantity, avg_buy_price, updated_at`
	tradeColumns   = `id, player_id, buyer_id, seller_id, sell_order_id, ipo_id, price, quantity,
		gross, platform_fee, club_fee, pool_fee, net, executed_at`
	feeConfigColumns = `club_id, trade_fee_bps, trade_platform_bps, trade_pool_bps, trade_club_bps,
		ipo_platform_bps, ipo_pool_bps, ipo_club_bps, updated_at`
	walletTxColumns = `id, user_id, type, amount, balance_after, reference_id, created_at`
)

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (`+playerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ClubID, p.Circulation, p.FloorPrice, p.LastPrice, p.IPOPrice, p.Liquidated, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create player %s: %w", p.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	return getPlayer(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetIPO(ctx context.Context, id string) (*model.IPO, error) {
	return getIPO(ctx, s.pool, `WHERE id = $1`, false, id)
}

func (s *PostgresStore) ListIPOsByStatus(ctx context.Context, statuses ...model.IPOStatus) ([]model.IPO, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+ipoColumns+` FROM ipos WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list ipos: %w", err)
	}
	defer rows.Close()

	var result []model.IPO
	for rows.Next() {
		ipo, err := scanIPO(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ipo)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, playerID string) ([]model.Order, error) {
	return openOrders(ctx, s.pool, playerID, false)
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('open', 'partial') AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY price, created_at, seq`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, playerID string) (*model.Holding, error) {
	return getHolding(ctx, s.pool, userID, playerID, false)
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings
		 WHERE user_id = $1 AND quantity > 0 ORDER BY quantity DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.UserID, &h.PlayerID, &h.Quantity, &h.AvgBuyPrice, &h.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountHolders(ctx context.Context, playerID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM holdings WHERE player_id = $1 AND quantity > 0`, playerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count holders %s: %w", playerID, err)
	}
	return n, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getWallet(ctx, s.pool, userID, false)
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletTxColumns+` FROM wallet_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var result []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListTradesByPlayer(ctx context.Context, playerID string, limit int) ([]model.TradeReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE player_id = $1 ORDER BY executed_at DESC LIMIT $2`, playerID, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades by player: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1 ORDER BY executed_at DESC LIMIT $2`, userID, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades by user: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) GetFeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error) {
	return getFeeConfig(ctx, s.pool, clubID)
}

func (s *PostgresStore) PutFeeConfig(ctx context.Context, cfg *model.FeeConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_config (`+feeConfigColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (club_id) DO UPDATE SET
		     trade_fee_bps = EXCLUDED.trade_fee_bps,
		     trade_platform_bps = EXCLUDED.trade_platform_bps,
		     trade_pool_bps = EXCLUDED.trade_pool_bps,
		     trade_club_bps = EXCLUDED.trade_club_bps,
		     ipo_platform_bps = EXCLUDED.ipo_platform_bps,
		     ipo_pool_bps = EXCLUDED.ipo_pool_bps,
		     ipo_club_bps = EXCLUDED.ipo_club_bps,
		     updated_at = EXCLUDED.updated_at`,
		cfg.ClubID, cfg.TradeFeeBps, cfg.TradePlatformBps, cfg.TradePoolBps, cfg.TradeClubBps,
		cfg.IPOPlatformBps, cfg.IPOPoolBps, cfg.IPOClubBps, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put fee config %q: %w", cfg.ClubID, err)
	}
	return nil
}

func (s *PostgresStore) GetFeeAccount(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	acct := model.FeeAccount{Kind: kind, OwnerID: ownerID}
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM fee_accounts WHERE kind = $1 AND owner_id = $2`, kind, ownerID).
		Scan(&acct.Balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get fee account %s/%s: %w", kind, ownerID, err)
	}
	return &acct, nil
}

// --- Transaction ---

type pgTx struct {
	q querier
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) PlayerForUpdate(ctx context.Context, id string) (*model.Player, error) {
	return getPlayer(ctx, t.q, id, true)
}

func (t *pgTx) UpdatePlayer(ctx context.Context, p *model.Player) error {
	return execOne(ctx, t.q, "update player "+p.ID,
		`UPDATE players SET circulation = $2, floor_price = $3, last_price = $4, ipo_price = $5, liquidated = $6
		 WHERE id = $1`,
		p.ID, p.Circulation, p.FloorPrice, p.LastPrice, p.IPOPrice, p.Liquidated)
}

func (t *pgTx) IPOForUpdate(ctx context.Context, id string) (*model.IPO, error) {
	return getIPO(ctx, t.q, `WHERE id = $1`, true, id)
}

func (t *pgTx) ActiveIPOForPlayer(ctx context.Context, playerID string) (*model.IPO, error) {
	return getIPO(ctx, t.q,
		`WHERE player_id = $1 AND status IN ('announced', 'early_access', 'open')`, true, playerID)
}

func (t *pgTx) InsertIPO(ctx context.Context, ipo *model.IPO) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ipos (`+ipoColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ipo.ID, ipo.PlayerID, string(ipo.Status), ipo.Price, ipo.TotalOffered, ipo.Sold, ipo.MaxPerUser,
		ipo.StartsAt, ipo.EndsAt, ipo.EarlyAccessEndsAt, ipo.CreatedAt, ipo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ipo %s: %w", ipo.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateIPO(ctx context.Context, ipo *model.IPO) error {
	return execOne(ctx, t.q, "update ipo "+ipo.ID,
		`UPDATE ipos SET status = $2, sold = $3, updated_at = $4 WHERE id = $1`,
		ipo.ID, string(ipo.Status), ipo.Sold, ipo.UpdatedAt)
}

func (t *pgTx) UserIPOPurchased(ctx context.Context, ipoID, userID string) (int64, error) {
	var total int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM ipo_purchases WHERE ipo_id = $1 AND user_id = $2`,
		ipoID, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ipo purchases: %w", err)
	}
	return total, nil
}

func (t *pgTx) InsertIPOPurchase(ctx context.Context, p *model.IPOPurchase) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ipo_purchases (id, ipo_id, user_id, trade_id, quantity, price, purchased_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.IPOID, p.UserID, p.TradeID, p.Quantity, p.Price, p.PurchasedAt)
	if err != nil {
		return fmt.Errorf("insert ipo purchase: %w", err)
	}
	return nil
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *pgTx) OpenOrdersForUpdate(ctx context.Context, playerID string) ([]model.Order, error) {
	return openOrders(ctx, t.q, playerID, true)
}

func (t *pgTx) ListedQty(ctx context.Context, userID, playerID string, now time.Time) (int64, error) {
	var total int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity - filled_qty), 0) FROM orders
		 WHERE user_id = $1 AND player_id = $2 AND status IN ('open', 'partial')
		   AND (expires_at IS NULL OR expires_at > $3)`,
		userID, playerID, now).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum listed quantity: %w", err)
	}
	return total, nil
}

func (t *pgTx) LowestAsk(ctx context.Context, playerID string, now time.Time) (int64, bool, error) {
	var price *int64
	err := t.q.QueryRow(ctx,
		`SELECT MIN(price) FROM orders
		 WHERE player_id = $1 AND status IN ('open', 'partial')
		   AND (expires_at IS NULL OR expires_at > $2)`, playerID, now).Scan(&price)
	if err != nil {
		return 0, false, fmt.Errorf("lowest ask %s: %w", playerID, err)
	}
	if price == nil {
		return 0, false, nil
	}
	return *price, true, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, player_id, price, quantity, filled_qty, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING seq`,
		o.ID, o.UserID, o.PlayerID, o.Price, o.Quantity, o.FilledQty, string(o.Status), o.CreatedAt, o.ExpiresAt,
	).Scan(&o.Seq)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	return execOne(ctx, t.q, "update order "+o.ID,
		`UPDATE orders SET filled_qty = $2, status = $3 WHERE id = $1`,
		o.ID, o.FilledQty, string(o.Status))
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error) {
	return getWallet(ctx, t.q, userID, true)
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		w.UserID, w.Balance, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", w.UserID, err)
	}
	return nil
}

func (t *pgTx) InsertWalletTransaction(ctx context.Context, wt *model.WalletTransaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallet_transactions (`+walletTxColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wt.ID, wt.UserID, wt.Type, wt.Amount, wt.BalanceAfter, wt.ReferenceID, wt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

func (t *pgTx) HoldingForUpdate(ctx context.Context, userID, playerID string) (*model.Holding, error) {
	return getHolding(ctx, t.q, userID, playerID, true)
}

func (t *pgTx) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO holdings (`+holdingColumns+`) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, player_id) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     avg_buy_price = EXCLUDED.avg_buy_price,
		     updated_at = EXCLUDED.updated_at`,
		h.UserID, h.PlayerID, h.Quantity, h.AvgBuyPrice, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert holding %s/%s: %w", h.UserID, h.PlayerID, err)
	}
	return nil
}

func (t *pgTx) HoldersForUpdate(ctx context.Context, playerID string) ([]model.Holding, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings
		 WHERE player_id = $1 AND quantity > 0
		 ORDER BY quantity DESC, user_id FOR UPDATE`, playerID)
	if err != nil {
		return nil, fmt.Errorf("lock holders %s: %w", playerID, err)
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.UserID, &h.PlayerID, &h.Quantity, &h.AvgBuyPrice, &h.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (t *pgTx) FeeAccountForUpdate(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	acct := model.FeeAccount{Kind: kind, OwnerID: ownerID}
	err := t.q.QueryRow(ctx,
		`SELECT balance FROM fee_accounts WHERE kind = $1 AND owner_id = $2 FOR UPDATE`, kind, ownerID).
		Scan(&acct.Balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock fee account %s/%s: %w", kind, ownerID, err)
	}
	return &acct, nil
}

func (t *pgTx) CreditFeeAccount(ctx context.Context, kind, ownerID string, amount int64) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO fee_accounts (kind, owner_id, balance) VALUES ($1, $2, $3)
		 ON CONFLICT (kind, owner_id) DO UPDATE SET balance = fee_accounts.balance + EXCLUDED.balance`,
		kind, ownerID, amount)
	if err != nil {
		return fmt.Errorf("credit fee account %s/%s: %w", kind, ownerID, err)
	}
	return nil
}

func (t *pgTx) FeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error) {
	if clubID != model.DefaultFeeClub {
		cfg, err := getFeeConfig(ctx, t.q, clubID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return getFeeConfig(ctx, t.q, model.DefaultFeeClub)
}

func (t *pgTx) InsertTrade(ctx context.Context, r *model.TradeReceipt) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (`+tradeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.PlayerID, r.BuyerID, r.SellerID, r.SellOrderID, r.IPOID, r.Price, r.Quantity,
		r.Gross, r.PlatformFee, r.ClubFee, r.PoolFee, r.Net, r.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", r.ID, err)
	}
	return nil
}

// --- Query helpers ---

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func getPlayer(ctx context.Context, q querier, id string, forUpdate bool) (*model.Player, error) {
	var p model.Player
	err := q.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`+lockClause(forUpdate), id).
		Scan(&p.ID, &p.ClubID, &p.Circulation, &p.FloorPrice, &p.LastPrice, &p.IPOPrice, &p.Liquidated, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, notFound(err))
	}
	return &p, nil
}

func getIPO(ctx context.Context, q querier, where string, forUpdate bool, args ...any) (*model.IPO, error) {
	row := q.QueryRow(ctx, `SELECT `+ipoColumns+` FROM ipos `+where+lockClause(forUpdate), args...)
	ipo, err := scanIPO(row)
	if err != nil {
		return nil, fmt.Errorf("get ipo: %w", notFound(err))
	}
	return ipo, nil
}

func scanIPO(row scanner) (*model.IPO, error) {
	var ipo model.IPO
	var status string
	if err := row.Scan(&ipo.ID, &ipo.PlayerID, &status, &ipo.Price, &ipo.TotalOffered, &ipo.Sold,
		&ipo.MaxPerUser, &ipo.StartsAt, &ipo.EndsAt, &ipo.EarlyAccessEndsAt, &ipo.CreatedAt, &ipo.UpdatedAt); err != nil {
		return nil, err
	}
	ipo.Status = model.IPOStatus(status)
	return &ipo, nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lockClause(forUpdate), id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, notFound(err))
	}
	return o, nil
}

func openOrders(ctx context.Context, q querier, playerID string, forUpdate bool) ([]model.Order, error) {
	rows, err := q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE player_id = $1 AND status IN ('open', 'partial')
		 ORDER BY price, created_at, seq`+lockClause(forUpdate), playerID)
	if err != nil {
		return nil, fmt.Errorf("list open orders %s: %w", playerID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var status string
	if err := row.Scan(&o.ID, &o.Seq, &o.UserID, &o.PlayerID, &o.Price, &o.Quantity, &o.FilledQty,
		&status, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
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

func getHolding(ctx context.Context, q querier, userID, playerID string, forUpdate bool) (*model.Holding, error) {
	h := model.Holding{UserID: userID, PlayerID: playerID}
	err := q.QueryRow(ctx,
		`SELECT quantity, avg_buy_price, updated_at FROM holdings
		 WHERE user_id = $1 AND player_id = $2`+lockClause(forUpdate), userID, playerID).
		Scan(&h.Quantity, &h.AvgBuyPrice, &h.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, playerID, err)
	}
	return &h, nil
}

func getWallet(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Wallet, error) {
	w := model.Wallet{UserID: userID}
	err := q.QueryRow(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = $1`+lockClause(forUpdate), userID).
		Scan(&w.Balance, &w.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return &w, nil
}

func getFeeConfig(ctx context.Context, q querier, clubID string) (*model.FeeConfig, error) {
	var c model.FeeConfig
	err := q.QueryRow(ctx,
		`SELECT `+feeConfigColumns+` FROM fee_config WHERE club_id = $1`, clubID).
		Scan(&c.ClubID, &c.TradeFeeBps, &c.TradePlatformBps, &c.TradePoolBps, &c.TradeClubBps,
			&c.IPOPlatformBps, &c.IPOPoolBps, &c.IPOClubBps, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get fee config %q: %w", clubID, notFound(err))
	}
	return &c, nil
}

func scanTrades(rows pgx.Rows) ([]model.TradeReceipt, error) {
	var trades []model.TradeReceipt
	for rows.Next() {
		var r model.TradeReceipt
		if err := rows.Scan(&r.ID, &r.PlayerID, &r.BuyerID, &r.SellerID, &r.SellOrderID, &r.IPOID,
			&r.Price, &r.Quantity, &r.Gross, &r.PlatformFee, &r.ClubFee, &r.PoolFee, &r.Net, &r.ExecutedAt); err != nil {
			return nil, err
		}
		trades = append(trades, r)
	}
	return trades, rows.Err()
}

func execOne(ctx context.Context, q querier, what, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// classify maps serialization failures, deadlocks and unique violations to
// ErrConflict. Every other error is returned unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505", "23514":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func pgLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
