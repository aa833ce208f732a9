package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
	"github.com/fanshare/dpc-exchange/internal/trade"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc    *trade.Service
	ms     *store.MemoryStore
	router chi.Router
	clock  *fakeClock
	events *recordingPublisher
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOver(t, func(ms *store.MemoryStore) store.Store { return ms })
}

// newTestEnvOver is newTestEnv with the service reading through wrap(ms).
func newTestEnvOver(t *testing.T, wrap func(*store.MemoryStore) store.Store) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := &fakeClock{now: epoch}
	pub := &recordingPublisher{}
	svc := trade.NewService(wrap(ms),
		trade.WithClock(clock.Now),
		trade.WithPublisher(pub),
	)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.RegisterRoutes)

	return &testEnv{svc: svc, ms: ms, router: r, clock: clock, events: pub}
}

func (e *testEnv) seedPlayer(t *testing.T, id, clubID string) {
	t.Helper()
	_, err := e.svc.CreatePlayer(context.Background(), id, clubID)
	require.NoError(t, err)
}

func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := e.svc.FundWallet(context.Background(), userID, amount, "")
	require.NoError(t, err)
}

// openIPO creates an offering that is open now.
func (e *testEnv) openIPO(t *testing.T, playerID string, price, total, maxPerUser int64) *model.IPO {
	t.Helper()
	ipo, err := e.svc.CreateIPO(context.Background(), trade.CreateIPORequest{
		PlayerID:         playerID,
		Price:            price,
		TotalOffered:     total,
		MaxPerUser:       maxPerUser,
		StartImmediately: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.IPOOpen, ipo.Status)
	return ipo
}

// giveShares mints qty shares to userID through a dedicated IPO at price 1,
// then ends that IPO so the player is free for another.
func (e *testEnv) giveShares(t *testing.T, userID, playerID string, qty int64) {
	t.Helper()
	ctx := context.Background()
	ipo := e.openIPO(t, playerID, 1, qty, qty)
	e.fund(t, userID, qty)
	_, err := e.svc.BuyFromIPO(ctx, trade.IPOBuyRequest{UserID: userID, IPOID: ipo.ID, Quantity: qty})
	require.NoError(t, err)
}

func (e *testEnv) sell(t *testing.T, userID, playerID string, qty, price int64) *model.Order {
	t.Helper()
	o, err := e.svc.PlaceSellOrder(context.Background(), trade.PlaceOrderRequest{
		UserID:   userID,
		PlayerID: playerID,
		Quantity: qty,
		Price:    price,
	})
	require.NoError(t, err)
	return o
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.svc.GetWalletBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) holding(t *testing.T, userID, playerID string) int64 {
	t.Helper()
	q, err := e.svc.GetHoldingQty(context.Background(), userID, playerID)
	require.NoError(t, err)
	return q
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// --- Reference scenarios ---

func TestScenario_SimpleIPOBuy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	ipo := env.openIPO(t, "p1", 500, 100, 10)
	env.fund(t, "alice", 10_000)

	res, err := env.svc.BuyFromIPO(ctx, trade.IPOBuyRequest{UserID: "alice", IPOID: ipo.ID, Quantity: 3})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(1500), res.TotalCost)
	require.Equal(t, int64(8500), res.NewBalance)
	require.Equal(t, int64(97), res.IPORemaining)
	require.False(t, res.SoldOut)

	got, err := env.svc.GetIPO(ctx, ipo.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Sold)
	require.Equal(t, model.IPOOpen, got.Status)
	require.Equal(t, int64(8500), env.balance(t, "alice"))
	require.Equal(t, int64(3), env.holding(t, "alice", "p1"))
}

func TestScenario_MarketPartialFillByPricePriority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 7)

	a := env.sell(t, "seller", "p1", 2, 100)
	env.clock.Advance(time.Minute)
	b := env.sell(t, "seller", "p1", 5, 90)
	env.fund(t, "buyer", 1_000)

	res, err := env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "buyer", PlayerID: "p1", Quantity: 4})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.FilledQty)
	require.Equal(t, int64(360), res.TotalCost)
	require.Len(t, res.Fills, 1)
	require.Equal(t, b.ID, res.Fills[0].OrderID)
	require.Equal(t, "90", res.PricePerUnit.String())

	gotA, err := env.svc.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), gotA.FilledQty)
	require.Equal(t, model.OrderOpen, gotA.Status)

	gotB, err := env.svc.GetOrder(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), gotB.FilledQty)
	require.Equal(t, model.OrderPartial, gotB.Status)
}

func TestScenario_CancelRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		env.seedPlayer(t, "p1", "club1")
		env.giveShares(t, "seller", "p1", 5)
		order := env.sell(t, "seller", "p1", 5, 10)
		env.fund(t, "first", 1_000)
		env.fund(t, "racer", 1_000)

		_, err := env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "first", PlayerID: "p1", Quantity: 3})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelErr error
			buyErr    error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = env.svc.CancelOrder(ctx, "seller", order.ID)
		}()
		go func() {
			defer wg.Done()
			_, buyErr = env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "racer", PlayerID: "p1", Quantity: 2})
		}()
		wg.Wait()

		racer := env.holding(t, "racer", "p1")
		if cancelErr == nil {
			require.ErrorIs(t, buyErr, trade.ErrInsufficientSupply)
			require.Equal(t, int64(0), racer)
			require.Equal(t, int64(2), env.holding(t, "seller", "p1"))
		} else {
			require.ErrorIs(t, cancelErr, trade.ErrOrderAlreadyClosed)
			require.NoError(t, buyErr)
			require.Equal(t, int64(2), racer)
			require.Equal(t, int64(0), env.holding(t, "seller", "p1"))
		}
		require.Equal(t, int64(5), env.holding(t, "first", "p1")+racer+env.holding(t, "seller", "p1"))
	}
}

func TestScenario_InsufficientFundsMidMatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 3)
	env.sell(t, "seller", "p1", 1, 100)
	env.clock.Advance(time.Second)
	second := env.sell(t, "seller", "p1", 2, 100)
	env.fund(t, "buyer", 150)

	res, err := env.svc.BuyFromMarket(ctx, trade.MarketBuyRequest{UserID: "buyer", PlayerID: "p1", Quantity: 3})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(1), res.FilledQty)
	require.Equal(t, "insufficient_funds", res.ShortReason)
	require.Equal(t, int64(50), res.NewBalance)

	require.Equal(t, int64(50), env.balance(t, "buyer"))
	require.Equal(t, int64(1), env.holding(t, "buyer", "p1"))

	got, err := env.svc.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.FilledQty)
}

// --- HTTP boundary ---

func TestHTTP_IPOFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/players", map[string]string{"id": "p1", "club_id": "club1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/ipos", trade.CreateIPORequest{
		PlayerID: "p1", Price: 500, TotalOffered: 10, StartImmediately: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ipo model.IPO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ipo))
	require.Equal(t, int64(trade.DefaultMaxPerUser), ipo.MaxPerUser)

	w = env.do(t, http.MethodPost, "/api/v1/users/alice/wallet", map[string]any{"amount": 2_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/ipos/"+ipo.ID+"/buy", map[string]any{"user_id": "alice", "quantity": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res trade.IPOBuyResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, int64(500), res.NewBalance)

	w = env.do(t, http.MethodPost, "/api/v1/ipos/"+ipo.ID+"/buy", map[string]any{"user_id": "alice", "quantity": 3})
	require.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "insufficient_funds", body["reason"])

	w = env.do(t, http.MethodGet, "/api/v1/users/alice/holdings/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var h model.Holding
	require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
	require.Equal(t, int64(3), h.Quantity)
	require.Equal(t, int64(500), h.AvgBuyPrice)

	w = env.do(t, http.MethodGet, "/api/v1/players/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p trade.PlayerSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	require.Equal(t, int64(3), p.Circulation)
	require.Equal(t, int64(1), p.Holders)
}

func TestHTTP_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 5)
	order := env.sell(t, "seller", "p1", 5, 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		reason string
	}{
		{"zero quantity", http.MethodPost, "/api/v1/players/p1/buy", map[string]any{"user_id": "u", "quantity": 0}, http.StatusBadRequest, "invalid_quantity"},
		{"zero price", http.MethodPost, "/api/v1/players/p1/orders", map[string]any{"user_id": "seller", "quantity": 1, "price": 0}, http.StatusBadRequest, "invalid_price"},
		{"unknown ipo", http.MethodGet, "/api/v1/ipos/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown player", http.MethodPost, "/api/v1/players/ghost/orders", map[string]any{"user_id": "seller", "quantity": 1, "price": 5}, http.StatusNotFound, "not_found"},
		{"not owner", http.MethodDelete, "/api/v1/orders/" + order.ID + "?user_id=mallory", nil, http.StatusForbidden, "not_owner"},
		{"oversell", http.MethodPost, "/api/v1/players/p1/orders", map[string]any{"user_id": "seller", "quantity": 1, "price": 5}, http.StatusConflict, "insufficient_holdings"},
		{"self trade only", http.MethodPost, "/api/v1/players/p1/buy", map[string]any{"user_id": "seller", "quantity": 1}, http.StatusConflict, "insufficient_supply"},
		{"bad fee config", http.MethodPut, "/api/v1/fee-config/club1", map[string]any{"trade_fee_bps": 100}, http.StatusBadRequest, "invalid_fee_config"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			require.Equal(t, tc.reason, body["reason"])
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestHTTP_MissingUserID(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/players/p1/buy", map[string]any{"quantity": 1})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/orders/o1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_IdempotencyKeyHeader(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	ipo := env.openIPO(t, "p1", 10, 100, 50)
	env.fund(t, "alice", 1_000)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ipos/"+ipo.ID+"/buy",
			bytes.NewBufferString(`{"user_id":"alice","quantity":2}`))
		req.Header.Set("Idempotency-Key", "k-1")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}
	require.Equal(t, http.StatusOK, send().Code)
	w := send()
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "duplicate_request")
	require.Equal(t, int64(2), env.holding(t, "alice", "p1"))
}

func TestHTTP_QuoteAndOrders(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 5)
	env.sell(t, "seller", "p1", 2, 30)
	env.sell(t, "seller", "p1", 3, 20)
	env.fund(t, "buyer", 100)

	w := env.do(t, http.MethodGet, "/api/v1/players/p1/quote?user_id=buyer&quantity=4", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q trade.Quote
	require.NoError(t, json.NewDecoder(w.Body).Decode(&q))
	require.Equal(t, int64(4), q.FillableQty)
	require.Equal(t, int64(90), q.TotalCost)
	require.True(t, q.Affordable)
	require.Len(t, q.Levels, 2)

	w = env.do(t, http.MethodGet, "/api/v1/players/p1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var book []model.Order
	require.NoError(t, json.NewDecoder(w.Body).Decode(&book))
	require.Len(t, book, 2)
	require.Equal(t, int64(20), book[0].Price)

	w = env.do(t, http.MethodGet, "/api/v1/players/p1/quote?user_id=buyer&quantity=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_MarketBuyAndTrades(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	env.giveShares(t, "seller", "p1", 5)
	env.sell(t, "seller", "p1", 5, 40)
	env.fund(t, "buyer", 100)

	w := env.do(t, http.MethodPost, "/api/v1/players/p1/buy", map[string]any{"user_id": "buyer", "quantity": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res trade.MarketBuyResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, int64(2), res.FilledQty)
	require.Equal(t, "insufficient_funds", res.ShortReason)

	w = env.do(t, http.MethodGet, "/api/v1/users/buyer/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []model.TradeReceipt
	require.NoError(t, json.NewDecoder(w.Body).Decode(&trades))
	require.Len(t, trades, 1)
	require.Equal(t, "seller", trades[0].SellerID)

	w = env.do(t, http.MethodGet, "/api/v1/users/buyer/wallet/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []model.WalletTransaction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&txs))
	require.Len(t, txs, 1)
	require.Equal(t, model.TxTradeBuy, txs[0].Type)
}

func TestHTTP_FeeConfigAndAccounts(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/fee-config/default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg model.FeeConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	require.Equal(t, int64(600), cfg.TradeFeeBps)

	w = env.do(t, http.MethodGet, "/api/v1/fee-config/club9", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	cfg.TradeFeeBps, cfg.TradePlatformBps, cfg.TradePoolBps, cfg.TradeClubBps = 1000, 500, 250, 250
	w = env.do(t, http.MethodPut, "/api/v1/fee-config/club9", cfg)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/fee-config/club9", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/fee-accounts/platform", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/fee-accounts/bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_IPOStatusAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "p1", "club1")
	ipo := env.openIPO(t, "p1", 10, 10, 10)

	w := env.do(t, http.MethodPut, "/api/v1/ipos/"+ipo.ID+"/status", map[string]string{"status": "announced"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/ipos/"+ipo.ID+"/status", map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.giveShares(t, "seller", "p1", 2)
	order := env.sell(t, "seller", "p1", 2, 15)
	w = env.do(t, http.MethodDelete, "/api/v1/orders/"+order.ID+"?user_id=seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got model.Order
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Equal(t, model.OrderCancelled, got.Status)
}
