// Package model defines the core domain types shared across the exchange.
// All monetary values are int64 minor currency units; never float64 for money.
package model

import (
	"time"
)

// SellerIPO is the seller-of-record on receipts produced by primary offerings.
const SellerIPO = "IPO"

// IPOStatus is the lifecycle state of a primary offering.
type IPOStatus string

const (
	IPOAnnounced   IPOStatus = "announced"
	IPOEarlyAccess IPOStatus = "early_access"
	IPOOpen        IPOStatus = "open"
	IPOEnded       IPOStatus = "ended"
	IPOCancelled   IPOStatus = "cancelled"
)

// Active reports whether the IPO still blocks a new offering for the same player.
func (s IPOStatus) Active() bool {
	return s == IPOAnnounced || s == IPOEarlyAccess || s == IPOOpen
}

// Terminal reports whether no further transition is allowed.
func (s IPOStatus) Terminal() bool {
	return s == IPOEnded || s == IPOCancelled
}

// OrderStatus is the state of a resting sell order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Matchable reports whether the order may still be filled.
func (s OrderStatus) Matchable() bool {
	return s == OrderOpen || s == OrderPartial
}

// Player is the share pool of one athlete.
type Player struct {
	ID          string    `json:"id" db:"id"`
	ClubID      string    `json:"club_id" db:"club_id"`
	Circulation int64     `json:"circulation" db:"circulation"` // minted by IPOs only
	FloorPrice  int64     `json:"floor_price" db:"floor_price"`
	LastPrice   int64     `json:"last_price" db:"last_price"`
	IPOPrice    int64     `json:"ipo_price" db:"ipo_price"`
	Liquidated  bool      `json:"liquidated" db:"liquidated"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// IPO is a fixed-price primary offering for one player.
type IPO struct {
	ID                string     `json:"id" db:"id"`
	PlayerID          string     `json:"player_id" db:"player_id"`
	Status            IPOStatus  `json:"status" db:"status"`
	Price             int64      `json:"price" db:"price"`
	TotalOffered      int64      `json:"total_offered" db:"total_offered"`
	Sold              int64      `json:"sold" db:"sold"`
	MaxPerUser        int64      `json:"max_per_user" db:"max_per_user"`
	StartsAt          time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt            time.Time  `json:"ends_at" db:"ends_at"`
	EarlyAccessEndsAt *time.Time `json:"early_access_ends_at,omitempty" db:"early_access_ends_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unsold supply.
func (i *IPO) Remaining() int64 {
	return i.TotalOffered - i.Sold
}

// IPOPurchase records one successful primary buy.
type IPOPurchase struct {
	ID          string    `json:"id" db:"id"`
	IPOID       string    `json:"ipo_id" db:"ipo_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	TradeID     string    `json:"trade_id" db:"trade_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	Price       int64     `json:"price" db:"price"`
	PurchasedAt time.Time `json:"purchased_at" db:"purchased_at"`
}

// Order is a resting secondary-market sell listing. Orders are never deleted.
type Order struct {
	ID        string      `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	PlayerID  string      `json:"player_id" db:"player_id"`
	Price     int64       `json:"price" db:"price"`
	Quantity  int64       `json:"quantity" db:"quantity"`
	FilledQty int64       `json:"filled_qty" db:"filled_qty"`
	Status    OrderStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	Seq       int64       `json:"-" db:"seq"` // insertion order, breaks CreatedAt ties
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQty
}

// Expired reports whether the order's listing window has passed.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Holding is a user's owned quantity of one player's shares.
type Holding struct {
	UserID      string    `json:"user_id" db:"user_id"`
	PlayerID    string    `json:"player_id" db:"player_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	AvgBuyPrice int64     `json:"avg_buy_price" db:"avg_buy_price"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Wallet is a user's spendable balance.
type Wallet struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Wallet transaction types.
const (
	TxDeposit   = "deposit"
	TxIPOBuy    = "ipo_buy"
	TxTradeBuy  = "trade_buy"
	TxTradeSell = "trade_sell"
	TxPayout    = "liquidation_payout"
)

// WalletTransaction explains one balance mutation.
type WalletTransaction struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Type         string    `json:"type" db:"type"`
	Amount       int64     `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	ReferenceID  string    `json:"reference_id" db:"reference_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TradeReceipt is an immutable record of one settlement.
// Once created, these are never modified or deleted.
type TradeReceipt struct {
	ID          string    `json:"id" db:"id"`
	PlayerID    string    `json:"player_id" db:"player_id"`
	BuyerID     string    `json:"buyer_id" db:"buyer_id"`
	SellerID    string    `json:"seller_id" db:"seller_id"` // SellerIPO for primary sales
	SellOrderID string    `json:"sell_order_id,omitempty" db:"sell_order_id"`
	IPOID       string    `json:"ipo_id,omitempty" db:"ipo_id"`
	Price       int64     `json:"price" db:"price"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	Gross       int64     `json:"gross" db:"gross"`
	PlatformFee int64     `json:"platform_fee" db:"platform_fee"`
	ClubFee     int64     `json:"club_fee" db:"club_fee"`
	PoolFee     int64     `json:"pool_fee" db:"pool_fee"`
	Net         int64     `json:"net" db:"net"` // seller proceeds, or issuer remainder on IPO sales
	ExecutedAt  time.Time `json:"executed_at" db:"executed_at"`
}

// DefaultFeeClub keys the fallback fee configuration row.
const DefaultFeeClub = ""

// FeeConfig holds basis-point splits for one club, or the global default.
type FeeConfig struct {
	ClubID           string    `json:"club_id" db:"club_id"`
	TradeFeeBps      int64     `json:"trade_fee_bps" db:"trade_fee_bps"`
	TradePlatformBps int64     `json:"trade_platform_bps" db:"trade_platform_bps"`
	TradePoolBps     int64     `json:"trade_pool_bps" db:"trade_pool_bps"`
	TradeClubBps     int64     `json:"trade_club_bps" db:"trade_club_bps"`
	IPOPlatformBps   int64     `json:"ipo_platform_bps" db:"ipo_platform_bps"`
	IPOPoolBps       int64     `json:"ipo_pool_bps" db:"ipo_pool_bps"`
	IPOClubBps       int64     `json:"ipo_club_bps" db:"ipo_club_bps"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Fee account kinds.
const (
	AccountPlatform = "platform"
	AccountClub     = "club"
	AccountPool     = "pool"
)

// FeeAccount is a revenue ledger for one fee party. The platform account
// has an empty owner; club accounts are owned by a club id; pool accounts
// are owned by a player id.
type FeeAccount struct {
	Kind    string `json:"kind" db:"kind"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Balance int64  `json:"balance" db:"balance"`
}
