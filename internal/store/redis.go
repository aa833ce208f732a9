package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanshare/dpc-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Transactions go to the primary store; every key a transaction
// touched is invalidated after commit. The cache is advisory: mutations
// never read through it.
//
// Each cached key has a generation counter that invalidation bumps. A fill
// only lands if the generation is unchanged since before the primary read,
// so a value read before a commit cannot be written back after it.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&recordingTx{Tx: tx, keys: &touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(context.WithoutCancel(ctx), touched...)
	return nil
}

func (s *CachedStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	if err := s.primary.CreatePlayer(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, playerKey(p.ID))
	return nil
}

func (s *CachedStore) PutFeeConfig(ctx context.Context, cfg *model.FeeConfig) error {
	return s.primary.PutFeeConfig(ctx, cfg)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	return readThrough(ctx, s, playerKey(id), func() (*model.Player, error) {
		return s.primary.GetPlayer(ctx, id)
	})
}

func (s *CachedStore) GetIPO(ctx context.Context, id string) (*model.IPO, error) {
	return readThrough(ctx, s, ipoKey(id), func() (*model.IPO, error) {
		return s.primary.GetIPO(ctx, id)
	})
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, playerID string) (*model.Holding, error) {
	return readThrough(ctx, s, holdingCacheKey(userID, playerID), func() (*model.Holding, error) {
		return s.primary.GetHolding(ctx, userID, playerID)
	})
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return readThrough(ctx, s, walletKey(userID), func() (*model.Wallet, error) {
		return s.primary.GetWallet(ctx, userID)
	})
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, playerID string) ([]model.Order, error) {
	orders, err := readThrough(ctx, s, bookKey(playerID), func() (*[]model.Order, error) {
		orders, err := s.primary.ListOpenOrders(ctx, playerID)
		return &orders, err
	})
	if err != nil {
		return nil, err
	}
	return *orders, nil
}

// readThrough returns the cached JSON value at key, or loads it from the
// primary and caches it for the store TTL.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: note the generation, then read from primary.
	gen, err := s.rdb.Get(ctx, genKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return load()
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.fill(ctx, key, gen, data)
	}
	return v, nil
}

// fill caches data at key unless key was invalidated after gen was read.
func (s *CachedStore) fill(ctx context.Context, key string, gen int64, data []byte) {
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

// invalidate drops keys and bumps their generations in one round trip.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListIPOsByStatus(ctx context.Context, statuses ...model.IPOStatus) ([]model.IPO, error) {
	return s.primary.ListIPOsByStatus(ctx, statuses...)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error) {
	return s.primary.ListExpiredOrders(ctx, now)
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, userID)
}

func (s *CachedStore) CountHolders(ctx context.Context, playerID string) (int64, error) {
	return s.primary.CountHolders(ctx, playerID)
}

func (s *CachedStore) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	return s.primary.ListWalletTransactions(ctx, userID, limit)
}

func (s *CachedStore) ListTradesByPlayer(ctx context.Context, playerID string, limit int) ([]model.TradeReceipt, error) {
	return s.primary.ListTradesByPlayer(ctx, playerID, limit)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeReceipt, error) {
	return s.primary.ListTradesByUser(ctx, userID, limit)
}

func (s *CachedStore) GetFeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error) {
	return s.primary.GetFeeConfig(ctx, clubID)
}

func (s *CachedStore) GetFeeAccount(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	return s.primary.GetFeeAccount(ctx, kind, ownerID)
}

// --- Invalidation ---

// recordingTx collects the cache keys of every row written through it.
type recordingTx struct {
	Tx
	keys *[]string
}

func (t *recordingTx) touch(keys ...string) {
	*t.keys = append(*t.keys, keys...)
}

func (t *recordingTx) UpdatePlayer(ctx context.Context, p *model.Player) error {
	t.touch(playerKey(p.ID))
	return t.Tx.UpdatePlayer(ctx, p)
}

func (t *recordingTx) InsertIPO(ctx context.Context, ipo *model.IPO) error {
	t.touch(ipoKey(ipo.ID))
	return t.Tx.InsertIPO(ctx, ipo)
}

func (t *recordingTx) UpdateIPO(ctx context.Context, ipo *model.IPO) error {
	t.touch(ipoKey(ipo.ID))
	return t.Tx.UpdateIPO(ctx, ipo)
}

func (t *recordingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touch(bookKey(o.PlayerID))
	return t.Tx.InsertOrder(ctx, o)
}

func (t *recordingTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	t.touch(bookKey(o.PlayerID))
	return t.Tx.UpdateOrder(ctx, o)
}

func (t *recordingTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	t.touch(walletKey(w.UserID))
	return t.Tx.UpdateWallet(ctx, w)
}

func (t *recordingTx) UpsertHolding(ctx context.Context, h *model.Holding) error {
	t.touch(holdingCacheKey(h.UserID, h.PlayerID))
	return t.Tx.UpsertHolding(ctx, h)
}

// --- Cache keys ---

func playerKey(id string) string             { return fmt.Sprintf("player:%s", id) }
func ipoKey(id string) string                { return fmt.Sprintf("ipo:%s", id) }
func bookKey(playerID string) string         { return fmt.Sprintf("book:%s", playerID) }
func walletKey(uid string) string            { return fmt.Sprintf("wallet:%s", uid) }
func holdingCacheKey(uid, pid string) string { return fmt.Sprintf("holding:%s:%s", uid, pid) }

// genKey holds the invalidation counter of a cached key.
func genKey(key string) string { return "gen:" + key }
