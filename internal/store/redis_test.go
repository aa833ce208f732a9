package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fanshare/dpc-exchange/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	ms := NewMemoryStore()
	return NewCachedStore(ms, client, time.Minute), ms, s
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()

	if err := cs.CreatePlayer(ctx, &model.Player{ID: "p1", ClubID: "c1"}); err != nil {
		t.Fatal(err)
	}
	p, err := cs.GetPlayer(ctx, "p1")
	if err != nil || p.ClubID != "c1" {
		t.Fatalf("unexpected player %+v (%v)", p, err)
	}
	if !mr.Exists(playerKey("p1")) {
		t.Error("expected player to be cached after first read")
	}
}

func TestCachedStore_InvalidatesAfterCommit(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()

	w, _ := cs.GetWallet(ctx, "u1")
	if w.Balance != 0 || !mr.Exists(walletKey("u1")) {
		t.Fatalf("expected cached zero wallet, got %+v", w)
	}

	err := cs.InTx(ctx, func(tx Tx) error {
		return tx.UpdateWallet(ctx, &model.Wallet{UserID: "u1", Balance: 900})
	})
	if err != nil {
		t.Fatal(err)
	}
	if mr.Exists(walletKey("u1")) {
		t.Error("wallet key should be invalidated after commit")
	}

	w, _ = cs.GetWallet(ctx, "u1")
	if w.Balance != 900 {
		t.Errorf("expected fresh balance 900, got %d", w.Balance)
	}
}

func TestCachedStore_KeepsCacheOnRollback(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()

	_, _ = cs.ListOpenOrders(ctx, "p1")
	if !mr.Exists(bookKey("p1")) {
		t.Fatal("expected order book to be cached")
	}

	_ = cs.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, &model.Order{ID: "o1", PlayerID: "p1", Price: 10, Quantity: 1, Status: model.OrderOpen}); err != nil {
			return err
		}
		return context.Canceled
	})
	if !mr.Exists(bookKey("p1")) {
		t.Error("rolled back transaction must not invalidate")
	}

	book, _ := cs.ListOpenOrders(ctx, "p1")
	if len(book) != 0 {
		t.Errorf("expected empty book, got %d orders", len(book))
	}
}

func TestCachedStore_SkipsFillRacingACommit(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()

	// The primary read returns the pre-commit balance, and the commit's
	// invalidation lands before the fill.
	stale := &model.Wallet{UserID: "u1", Balance: 0}
	_, err := readThrough(ctx, cs, walletKey("u1"), func() (*model.Wallet, error) {
		err := cs.InTx(ctx, func(tx Tx) error {
			return tx.UpdateWallet(ctx, &model.Wallet{UserID: "u1", Balance: 900})
		})
		return stale, err
	})
	if err != nil {
		t.Fatal(err)
	}
	if mr.Exists(walletKey("u1")) {
		t.Fatal("stale read must not be cached after a racing commit")
	}

	w, _ := cs.GetWallet(ctx, "u1")
	if w.Balance != 900 {
		t.Errorf("expected 900, got %d", w.Balance)
	}
	if !mr.Exists(walletKey("u1")) {
		t.Error("uncontended read should fill the cache")
	}
}
