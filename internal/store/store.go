// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside InTx. Implementations must run the callback
// with serializable isolation: rows returned by the *ForUpdate methods stay
// locked until the transaction commits or rolls back, and nothing written
// inside the callback is visible to other readers before commit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fanshare/dpc-exchange/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a transaction lost a serialization race
	// or hit a uniqueness constraint. The transaction has been rolled back.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InTx runs fn in one serializable transaction. If fn returns an error
	// the transaction is rolled back and the error is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Players ---

	CreatePlayer(ctx context.Context, p *model.Player) error
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// --- IPOs ---

	GetIPO(ctx context.Context, id string) (*model.IPO, error)

	// ListIPOsByStatus returns IPOs in any of the given states, oldest first.
	ListIPOsByStatus(ctx context.Context, statuses ...model.IPOStatus) ([]model.IPO, error)

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns matchable sell orders for a player in
	// price-time priority: ascending price, then oldest first.
	ListOpenOrders(ctx context.Context, playerID string) ([]model.Order, error)

	// ListExpiredOrders returns matchable orders whose expiry is at or before now.
	ListExpiredOrders(ctx context.Context, now time.Time) ([]model.Order, error)

	// --- Holdings and wallets ---

	GetHolding(ctx context.Context, userID, playerID string) (*model.Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)
	CountHolders(ctx context.Context, playerID string) (int64, error)

	// GetWallet returns the wallet, or a zero-balance wallet if none exists.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error)

	// --- Immutable trade receipts ---

	ListTradesByPlayer(ctx context.Context, playerID string, limit int) ([]model.TradeReceipt, error)
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeReceipt, error)

	// --- Fees ---

	// GetFeeConfig returns the row stored for exactly clubID (no fallback).
	GetFeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error)
	PutFeeConfig(ctx context.Context, cfg *model.FeeConfig) error
	GetFeeAccount(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error)
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// ClaimIdempotencyKey records key for userID. It returns false if the
	// key was already claimed by an earlier committed transaction.
	ClaimIdempotencyKey(ctx context.Context, userID, key string) (bool, error)

	PlayerForUpdate(ctx context.Context, id string) (*model.Player, error)
	UpdatePlayer(ctx context.Context, p *model.Player) error

	IPOForUpdate(ctx context.Context, id string) (*model.IPO, error)
	// ActiveIPOForPlayer returns the announced/early-access/open IPO of a
	// player, or ErrNotFound.
	ActiveIPOForPlayer(ctx context.Context, playerID string) (*model.IPO, error)
	InsertIPO(ctx context.Context, ipo *model.IPO) error
	UpdateIPO(ctx context.Context, ipo *model.IPO) error
	UserIPOPurchased(ctx context.Context, ipoID, userID string) (int64, error)
	InsertIPOPurchase(ctx context.Context, p *model.IPOPurchase) error

	OrderForUpdate(ctx context.Context, id string) (*model.Order, error)
	// OpenOrdersForUpdate locks and returns the matchable orders of a
	// player in price-time priority.
	OpenOrdersForUpdate(ctx context.Context, playerID string) ([]model.Order, error)
	// ListedQty sums the unfilled remainder of a user's matchable orders
	// that have not expired at now.
	ListedQty(ctx context.Context, userID, playerID string, now time.Time) (int64, error)
	// LowestAsk returns the lowest matchable, unexpired sell price.
	LowestAsk(ctx context.Context, playerID string, now time.Time) (int64, bool, error)
	// InsertOrder assigns Seq and stores the order.
	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error

	// WalletForUpdate returns the wallet, or a zero-balance wallet if none exists.
	WalletForUpdate(ctx context.Context, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, w *model.Wallet) error
	InsertWalletTransaction(ctx context.Context, t *model.WalletTransaction) error

	// HoldingForUpdate returns the holding, or a zero holding if none exists.
	HoldingForUpdate(ctx context.Context, userID, playerID string) (*model.Holding, error)
	UpsertHolding(ctx context.Context, h *model.Holding) error
	// HoldersForUpdate locks and returns every non-empty holding of a
	// player, largest first.
	HoldersForUpdate(ctx context.Context, playerID string) ([]model.Holding, error)

	// CreditFeeAccount adds amount (negative to debit) to a fee account.
	CreditFeeAccount(ctx context.Context, kind, ownerID string, amount int64) error
	// FeeAccountForUpdate locks a fee account, zero if it has never been credited.
	FeeAccountForUpdate(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error)
	// FeeConfig resolves the club row if present, else the default row.
	FeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error)

	InsertTrade(ctx context.Context, r *model.TradeReceipt) error
}
