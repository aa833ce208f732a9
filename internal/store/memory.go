package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fanshare/dpc-exchange/internal/fee"
	"github.com/fanshare/dpc-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a private
// copy of the state, which replaces the live state only on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type holdingKey struct{ userID, playerID string }

type accountKey struct{ kind, ownerID string }

type memState struct {
	players     map[string]model.Player
	ipos        map[string]model.IPO
	purchases   []model.IPOPurchase
	orders      map[string]model.Order
	holdings    map[holdingKey]model.Holding
	wallets     map[string]model.Wallet
	walletTxs   []model.WalletTransaction
	trades      []model.TradeReceipt
	feeConfigs  map[string]model.FeeConfig
	feeAccounts map[accountKey]int64
	idemKeys    map[string]struct{}
	seq         int64
}

// NewMemoryStore creates a new in-memory store seeded with the default
// fee config.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		players:     make(map[string]model.Player),
		ipos:        make(map[string]model.IPO),
		orders:      make(map[string]model.Order),
		holdings:    make(map[holdingKey]model.Holding),
		wallets:     make(map[string]model.Wallet),
		feeConfigs:  map[string]model.FeeConfig{model.DefaultFeeClub: fee.DefaultConfig()},
		feeAccounts: make(map[accountKey]int64),
		idemKeys:    make(map[string]struct{}),
	}}
}

// clone copies the state. Append-only slices are clipped so appends in the
// copy never write into the live backing arrays.
func (st *memState) clone() *memState {
	return &memState{
		players:     maps.Clone(st.players),
		ipos:        maps.Clone(st.ipos),
		purchases:   slices.Clip(st.purchases),
		orders:      maps.Clone(st.orders),
		holdings:    maps.Clone(st.holdings),
		wallets:     maps.Clone(st.wallets),
		walletTxs:   slices.Clip(st.walletTxs),
		trades:      slices.Clip(st.trades),
		feeConfigs:  maps.Clone(st.feeConfigs),
		feeAccounts: maps.Clone(st.feeAccounts),
		idemKeys:    maps.Clone(st.idemKeys),
		seq:         st.seq,
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// read runs fn against the live state under the lock.
func (s *MemoryStore) read(fn func(st *memState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.players[p.ID]; exists {
		return fmt.Errorf("player %s already exists: %w", p.ID, ErrConflict)
	}
	s.state.players[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	var (
		p  model.Player
		ok bool
	)
	s.read(func(st *memState) { p, ok = st.players[id] })
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetIPO(_ context.Context, id string) (*model.IPO, error) {
	var (
		ipo model.IPO
		ok  bool
	)
	s.read(func(st *memState) { ipo, ok = st.ipos[id] })
	if !ok {
		return nil, fmt.Errorf("ipo %s: %w", id, ErrNotFound)
	}
	return &ipo, nil
}

func (s *MemoryStore) ListIPOsByStatus(_ context.Context, statuses ...model.IPOStatus) ([]model.IPO, error) {
	var result []model.IPO
	s.read(func(st *memState) {
		for _, ipo := range st.ipos {
			if slices.Contains(statuses, ipo.Status) {
				result = append(result, ipo)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	var (
		o  model.Order
		ok bool
	)
	s.read(func(st *memState) { o, ok = st.orders[id] })
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, playerID string) ([]model.Order, error) {
	var result []model.Order
	s.read(func(st *memState) { result = st.openOrders(playerID) })
	return result, nil
}

func (s *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]model.Order, error) {
	var result []model.Order
	s.read(func(st *memState) {
		for _, o := range st.orders {
			if o.Status.Matchable() && o.Expired(now) {
				result = append(result, o)
			}
		}
	})
	sortPriceTime(result)
	return result, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, playerID string) (*model.Holding, error) {
	var h model.Holding
	s.read(func(st *memState) { h = st.holding(userID, playerID) })
	return &h, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	var result []model.Holding
	s.read(func(st *memState) {
		for k, h := range st.holdings {
			if k.userID == userID && h.Quantity > 0 {
				result = append(result, h)
			}
		}
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Quantity > result[j].Quantity })
	return result, nil
}

func (s *MemoryStore) CountHolders(_ context.Context, playerID string) (int64, error) {
	var n int64
	s.read(func(st *memState) {
		for k, h := range st.holdings {
			if k.playerID == playerID && h.Quantity > 0 {
				n++
			}
		}
	})
	return n, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	s.read(func(st *memState) { w = st.wallet(userID) })
	return &w, nil
}

func (s *MemoryStore) ListWalletTransactions(_ context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	var result []model.WalletTransaction
	s.read(func(st *memState) {
		for i := len(st.walletTxs) - 1; i >= 0; i-- {
			if st.walletTxs[i].UserID == userID {
				result = append(result, st.walletTxs[i])
			}
		}
	})
	return truncate(result, limit), nil
}

// ListTradesByPlayer returns receipts newest first.
func (s *MemoryStore) ListTradesByPlayer(_ context.Context, playerID string, limit int) ([]model.TradeReceipt, error) {
	var result []model.TradeReceipt
	s.read(func(st *memState) {
		for i := len(st.trades) - 1; i >= 0; i-- {
			if st.trades[i].PlayerID == playerID {
				result = append(result, st.trades[i])
			}
		}
	})
	return truncate(result, limit), nil
}

// ListTradesByUser returns receipts where the user bought or sold, newest first.
func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.TradeReceipt, error) {
	var result []model.TradeReceipt
	s.read(func(st *memState) {
		for i := len(st.trades) - 1; i >= 0; i-- {
			t := st.trades[i]
			if t.BuyerID == userID || t.SellerID == userID {
				result = append(result, t)
			}
		}
	})
	return truncate(result, limit), nil
}

func (s *MemoryStore) GetFeeConfig(_ context.Context, clubID string) (*model.FeeConfig, error) {
	var (
		cfg model.FeeConfig
		ok  bool
	)
	s.read(func(st *memState) { cfg, ok = st.feeConfigs[clubID] })
	if !ok {
		return nil, fmt.Errorf("fee config %q: %w", clubID, ErrNotFound)
	}
	return &cfg, nil
}

func (s *MemoryStore) PutFeeConfig(_ context.Context, cfg *model.FeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.feeConfigs[cfg.ClubID] = *cfg
	return nil
}

func (s *MemoryStore) GetFeeAccount(_ context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	acct := model.FeeAccount{Kind: kind, OwnerID: ownerID}
	s.read(func(st *memState) { acct.Balance = st.feeAccounts[accountKey{kind, ownerID}] })
	return &acct, nil
}

// --- State helpers ---

func (st *memState) openOrders(playerID string) []model.Order {
	var result []model.Order
	for _, o := range st.orders {
		if o.PlayerID == playerID && o.Status.Matchable() {
			result = append(result, o)
		}
	}
	sortPriceTime(result)
	return result
}

func (st *memState) holding(userID, playerID string) model.Holding {
	h, ok := st.holdings[holdingKey{userID, playerID}]
	if !ok {
		return model.Holding{UserID: userID, PlayerID: playerID}
	}
	return h
}

func (st *memState) wallet(userID string) model.Wallet {
	w, ok := st.wallets[userID]
	if !ok {
		return model.Wallet{UserID: userID}
	}
	return w
}

// sortPriceTime orders by ascending price, then creation time, then insertion order.
func sortPriceTime(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// --- Transaction ---

// memTx operates on a private copy of the state; the store mutex is held
// for its whole lifetime, so row locks are implicit.
type memTx struct {
	st *memState
}

func (t *memTx) ClaimIdempotencyKey(_ context.Context, userID, key string) (bool, error) {
	k := userID + "|" + key
	if _, exists := t.st.idemKeys[k]; exists {
		return false, nil
	}
	t.st.idemKeys[k] = struct{}{}
	return true, nil
}

func (t *memTx) PlayerForUpdate(_ context.Context, id string) (*model.Player, error) {
	p, ok := t.st.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) UpdatePlayer(_ context.Context, p *model.Player) error {
	if _, ok := t.st.players[p.ID]; !ok {
		return fmt.Errorf("player %s: %w", p.ID, ErrNotFound)
	}
	t.st.players[p.ID] = *p
	return nil
}

func (t *memTx) IPOForUpdate(_ context.Context, id string) (*model.IPO, error) {
	ipo, ok := t.st.ipos[id]
	if !ok {
		return nil, fmt.Errorf("ipo %s: %w", id, ErrNotFound)
	}
	return &ipo, nil
}

func (t *memTx) ActiveIPOForPlayer(_ context.Context, playerID string) (*model.IPO, error) {
	for _, ipo := range t.st.ipos {
		if ipo.PlayerID == playerID && ipo.Status.Active() {
			return &ipo, nil
		}
	}
	return nil, fmt.Errorf("active ipo for player %s: %w", playerID, ErrNotFound)
}

func (t *memTx) InsertIPO(_ context.Context, ipo *model.IPO) error {
	if _, exists := t.st.ipos[ipo.ID]; exists {
		return fmt.Errorf("ipo %s already exists: %w", ipo.ID, ErrConflict)
	}
	t.st.ipos[ipo.ID] = *ipo
	return nil
}

func (t *memTx) UpdateIPO(_ context.Context, ipo *model.IPO) error {
	if _, ok := t.st.ipos[ipo.ID]; !ok {
		return fmt.Errorf("ipo %s: %w", ipo.ID, ErrNotFound)
	}
	t.st.ipos[ipo.ID] = *ipo
	return nil
}

func (t *memTx) UserIPOPurchased(_ context.Context, ipoID, userID string) (int64, error) {
	var total int64
	for _, p := range t.st.purchases {
		if p.IPOID == ipoID && p.UserID == userID {
			total += p.Quantity
		}
	}
	return total, nil
}

func (t *memTx) InsertIPOPurchase(_ context.Context, p *model.IPOPurchase) error {
	t.st.purchases = append(t.st.purchases, *p)
	return nil
}

func (t *memTx) OrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) OpenOrdersForUpdate(_ context.Context, playerID string) ([]model.Order, error) {
	return t.st.openOrders(playerID), nil
}

func (t *memTx) ListedQty(_ context.Context, userID, playerID string, now time.Time) (int64, error) {
	var total int64
	for _, o := range t.st.orders {
		if o.UserID == userID && o.PlayerID == playerID && o.Status.Matchable() && !o.Expired(now) {
			total += o.Remaining()
		}
	}
	return total, nil
}

func (t *memTx) LowestAsk(_ context.Context, playerID string, now time.Time) (int64, bool, error) {
	for _, o := range t.st.openOrders(playerID) {
		if !o.Expired(now) {
			return o.Price, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, exists := t.st.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists: %w", o.ID, ErrConflict)
	}
	t.st.seq++
	o.Seq = t.st.seq
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) WalletForUpdate(_ context.Context, userID string) (*model.Wallet, error) {
	w := t.st.wallet(userID)
	return &w, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if w.Balance < 0 {
		return fmt.Errorf("wallet %s balance %d: %w", w.UserID, w.Balance, ErrConflict)
	}
	t.st.wallets[w.UserID] = *w
	return nil
}

func (t *memTx) InsertWalletTransaction(_ context.Context, wt *model.WalletTransaction) error {
	t.st.walletTxs = append(t.st.walletTxs, *wt)
	return nil
}

func (t *memTx) HoldingForUpdate(_ context.Context, userID, playerID string) (*model.Holding, error) {
	h := t.st.holding(userID, playerID)
	return &h, nil
}

func (t *memTx) UpsertHolding(_ context.Context, h *model.Holding) error {
	if h.Quantity < 0 {
		return fmt.Errorf("holding %s/%s quantity %d: %w", h.UserID, h.PlayerID, h.Quantity, ErrConflict)
	}
	t.st.holdings[holdingKey{h.UserID, h.PlayerID}] = *h
	return nil
}

func (t *memTx) HoldersForUpdate(_ context.Context, playerID string) ([]model.Holding, error) {
	var result []model.Holding
	for _, h := range t.st.holdings {
		if h.PlayerID == playerID && h.Quantity > 0 {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Quantity != result[j].Quantity {
			return result[i].Quantity > result[j].Quantity
		}
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

func (t *memTx) CreditFeeAccount(_ context.Context, kind, ownerID string, amount int64) error {
	k := accountKey{kind, ownerID}
	if t.st.feeAccounts[k]+amount < 0 {
		return fmt.Errorf("fee account %s/%s balance below zero: %w", kind, ownerID, ErrConflict)
	}
	t.st.feeAccounts[k] += amount
	return nil
}

func (t *memTx) FeeAccountForUpdate(_ context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	return &model.FeeAccount{Kind: kind, OwnerID: ownerID, Balance: t.st.feeAccounts[accountKey{kind, ownerID}]}, nil
}

func (t *memTx) FeeConfig(_ context.Context, clubID string) (*model.FeeConfig, error) {
	if cfg, ok := t.st.feeConfigs[clubID]; ok {
		return &cfg, nil
	}
	if cfg, ok := t.st.feeConfigs[model.DefaultFeeClub]; ok {
		return &cfg, nil
	}
	return nil, fmt.Errorf("fee config %q and default: %w", clubID, ErrNotFound)
}

func (t *memTx) InsertTrade(_ context.Context, r *model.TradeReceipt) error {
	t.st.trades = append(t.st.trades, *r)
	return nil
}
