package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
	"github.com/fanshare/dpc-exchange/internal/trade"
)

func TestLiquidatePlayer_PaysPoolProRata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "alice", "p1", 3)
	env.giveShares(t, "bob", "p1", 1)

	// One trade at 10000 leaves 150 in the pool.
	env.sell(t, "alice", "p1", 1, 10_000)
	env.fund(t, "carol", 10_000)
	_, err := env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "carol", PlayerID: "p1", Quantity: 1})
	require.NoError(t, err)

	resting := env.sell(t, "bob", "p1", 1, 50)
	ipo := env.openIPO(t, "p1", 20, 10, 10)
	before := feeTotals(t, env, "club1", "p1")
	require.Equal(t, int64(150), before[model.AccountPool])

	res, err := env.svc.LiquidatePlayer(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", res.PlayerID)
	require.Equal(t, 3, res.Holders)
	require.Equal(t, int64(150), res.PoolBalance)
	require.Equal(t, int64(149), res.Distributed)
	require.Equal(t, int64(1), res.PlatformRemainder)
	require.Equal(t, []string{resting.ID}, res.CancelledOrders)
	require.Equal(t, ipo.ID, res.CancelledIPOID)
	require.Equal(t, []trade.Payout{
		{UserID: "alice", Quantity: 2, Amount: 75},
		{UserID: "bob", Quantity: 1, Amount: 37},
		{UserID: "carol", Quantity: 1, Amount: 37},
	}, res.Payouts)

	require.Equal(t, int64(9_400+75), env.balance(t, "alice"))
	require.Equal(t, int64(37), env.balance(t, "bob"))
	require.Equal(t, int64(37), env.balance(t, "carol"))

	after := feeTotals(t, env, "club1", "p1")
	require.Equal(t, int64(0), after[model.AccountPool])
	require.Equal(t, int64(1), after[model.AccountPlatform]-before[model.AccountPlatform])
	require.Equal(t, before[model.AccountClub], after[model.AccountClub])

	// Holdings stay as the record of ownership.
	require.Equal(t, int64(2), env.holding(t, "alice", "p1"))
	require.Equal(t, int64(1), env.holding(t, "bob", "p1"))
	require.Equal(t, int64(1), env.holding(t, "carol", "p1"))

	p, err := env.svc.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	require.True(t, p.Liquidated)

	o, err := env.svc.GetOrder(ctx, resting.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderCancelled, o.Status)
	got, err := env.svc.GetIPO(ctx, ipo.ID)
	require.NoError(t, err)
	require.Equal(t, model.IPOCancelled, got.Status)

	txs, err := env.svc.ListWalletTransactions(ctx, "bob", 10)
	require.NoError(t, err)
	var payout *model.WalletTransaction
	for i := range txs {
		if txs[i].Type == model.TxPayout {
			payout = &txs[i]
		}
	}
	require.NotNil(t, payout)
	require.Equal(t, int64(37), payout.Amount)
	require.Equal(t, res.ID, payout.ReferenceID)

	types := env.events.types()
	require.Contains(t, types, events.Liquidated)
	require.Contains(t, types, events.PayoutCredited)
	require.Contains(t, types, events.OrderCancelled)
}

func TestLiquidatePlayer_FreezesTrading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "alice", "p1", 2)
	resting := env.sell(t, "alice", "p1", 1, 10)
	ipo := env.openIPO(t, "p1", 20, 10, 10)
	env.fund(t, "bob", 1_000)

	_, err := env.svc.LiquidatePlayer(ctx, "p1")
	require.NoError(t, err)

	_, err = env.svc.BuyFromIPO(ctx, trade.IPOBuyRequest{UserID: "bob", IPOID: ipo.ID, Quantity: 1})
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.PlaceSellOrder(ctx, trade.PlaceOrderRequest{UserID: "alice", PlayerID: "p1", Quantity: 1, Price: 10})
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "bob", PlayerID: "p1", Quantity: 1})
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.BuyFromOrder(ctx, trade.OrderBuyRequest{UserID: "bob", OrderID: resting.ID, Quantity: 1})
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.CreateIPO(ctx, trade.CreateIPORequest{PlayerID: "p1", Price: 5, TotalOffered: 5, StartImmediately: true})
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.Quote(ctx, "bob", "p1", 1)
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)
	_, err = env.svc.LiquidatePlayer(ctx, "p1")
	require.ErrorIs(t, err, trade.ErrPlayerLiquidated)

	require.Equal(t, int64(1_000), env.balance(t, "bob"))
	require.Equal(t, int64(0), env.holding(t, "bob", "p1"))
}

func TestLiquidatePlayer_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 1)
	order := env.sell(t, "seller", "p1", 1, 10)
	env.fund(t, "buyer", 100)

	w := env.do(t, http.MethodPost, "/api/v1/players/missing/liquidate", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/players/p1/liquidate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res trade.LiquidationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, []string{order.ID}, res.CancelledOrders)
	require.Equal(t, int64(0), res.Distributed)

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/buy", map[string]any{"user_id": "buyer", "quantity": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "player_liquidated")
	require.Equal(t, int64(100), env.balance(t, "buyer"))
}

// lockLog records, per transaction, the kinds of rows locked in order.
type lockLog struct {
	mu  sync.Mutex
	txs [][]string
}

func (l *lockLog) begin() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = append(l.txs, nil)
	return len(l.txs) - 1
}

func (l *lockLog) add(i int, kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[i] = append(l.txs[i], kind)
}

func (l *lockLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = nil
}

func (l *lockLog) snapshot() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.txs...)
}

type lockingStore struct {
	store.Store
	log *lockLog
}

func (s lockingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(lockingTx{Tx: tx, log: s.log, n: s.log.begin()})
	})
}

type lockingTx struct {
	store.Tx
	log *lockLog
	n   int
}

func (t lockingTx) PlayerForUpdate(ctx context.Context, id string) (*model.Player, error) {
	t.log.add(t.n, "player")
	return t.Tx.PlayerForUpdate(ctx, id)
}

func (t lockingTx) IPOForUpdate(ctx context.Context, id string) (*model.IPO, error) {
	t.log.add(t.n, "ipo")
	return t.Tx.IPOForUpdate(ctx, id)
}

func (t lockingTx) OrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	t.log.add(t.n, "order")
	return t.Tx.OrderForUpdate(ctx, id)
}

func (t lockingTx) OpenOrdersForUpdate(ctx context.Context, playerID string) ([]model.Order, error) {
	t.log.add(t.n, "orders")
	return t.Tx.OpenOrdersForUpdate(ctx, playerID)
}

func (t lockingTx) WalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error) {
	t.log.add(t.n, "wallet")
	return t.Tx.WalletForUpdate(ctx, userID)
}

func (t lockingTx) HoldingForUpdate(ctx context.Context, userID, playerID string) (*model.Holding, error) {
	t.log.add(t.n, "holding")
	return t.Tx.HoldingForUpdate(ctx, userID, playerID)
}

func (t lockingTx) HoldersForUpdate(ctx context.Context, playerID string) ([]model.Holding, error) {
	t.log.add(t.n, "holders")
	return t.Tx.HoldersForUpdate(ctx, playerID)
}

func TestMutations_LockPlayerFirst(t *testing.T) {
	log := &lockLog{}
	env := newTestEnvOver(t, func(ms *store.MemoryStore) store.Store { return lockingStore{Store: ms, log: log} })
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 4)
	env.fund(t, "buyer", 1_000)
	log.reset()

	soon := epoch.Add(time.Minute)
	_, err := env.svc.PlaceSellOrder(ctx, trade.PlaceOrderRequest{UserID: "seller", PlayerID: "p1", Quantity: 1, Price: 10, ExpiresAt: &soon})
	require.NoError(t, err)
	target := env.sell(t, "seller", "p1", 2, 10)
	doomed := env.sell(t, "seller", "p1", 1, 11)

	_, err = env.svc.CancelOrder(ctx, "seller", doomed.ID)
	require.NoError(t, err)
	_, err = env.svc.BuyFromOrder(ctx, trade.OrderBuyRequest{UserID: "buyer", OrderID: target.ID, Quantity: 1})
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)
	n, err := env.svc.ExpireOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "buyer", PlayerID: "p1", Quantity: 1})
	require.NoError(t, err)
	ipo := env.openIPO(t, "p1", 5, 10, 10)
	_, err = env.svc.BuyFromIPO(ctx, trade.IPOBuyRequest{UserID: "buyer", IPOID: ipo.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = env.svc.LiquidatePlayer(ctx, "p1")
	require.NoError(t, err)

	txs := log.snapshot()
	require.GreaterOrEqual(t, len(txs), 9)
	for i, locks := range txs {
		require.NotEmpty(t, locks, "transaction %d", i)
		require.Equal(t, "player", locks[0], "transaction %d locked %v", i, locks)
	}
}
