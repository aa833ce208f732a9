package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/metrics"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// MarketBuyRequest buys quantity units from the order book.
type MarketBuyRequest struct {
	UserID         string `json:"user_id"`
	PlayerID       string `json:"-"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Fill is one settled match against one resting order.
type Fill struct {
	TradeID  string `json:"trade_id"`
	OrderID  string `json:"order_id"`
	SellerID string `json:"seller_id"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

// MarketBuyResult reports the settled part of a market buy. A short fill
// is a success: ShortReason names why matching stopped early.
type MarketBuyResult struct {
	Success      bool            `json:"success"`
	RequestedQty int64           `json:"requested_qty"`
	FilledQty    int64           `json:"filled_qty"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"` // average over fills
	TotalCost    int64           `json:"total_cost"`
	NewBalance   int64           `json:"new_balance"`
	Fills        []Fill          `json:"fills"`
	ShortReason  string          `json:"short_reason,omitempty"`
}

// errStopMatching ends a market buy after at least one fill.
var errStopMatching = errors.New("stop matching")

// BuyFromMarket matches a buy against resting sell orders in price-time
// priority, skipping the buyer's own and expired orders. Each order fill
// is its own settlement transaction; each matched order fills at its own
// price. Depth is checked once up front; if funds or supply run out
// mid-match the fills so far stand and the result reports the shortfall.
//
// If an error is returned after some fills committed, the result is also
// returned and describes exactly the committed fills.
func (s *Service) BuyFromMarket(ctx context.Context, req MarketBuyRequest) (*MarketBuyResult, error) {
	const op = "buy_from_market"
	if req.Quantity < 1 {
		return nil, s.reject(op, ErrInvalidQuantity, "user", req.UserID, "player_id", req.PlayerID)
	}

	result := &MarketBuyResult{RequestedQty: req.Quantity, Fills: []Fill{}}
	var short error
	for result.FilledQty < req.Quantity {
		first := len(result.Fills) == 0
		demand := req.Quantity - result.FilledQty
		start := time.Now()
		now := s.now()

		var (
			receipt *model.TradeReceipt
			balance int64
			stopErr error
		)
		err := s.inTx(ctx, func(tx store.Tx) error {
			if first {
				if err := claimKey(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
					return err
				}
			}
			player, err := lockPlayer(ctx, tx, req.PlayerID)
			if err != nil {
				return err
			}
			book, err := tx.OpenOrdersForUpdate(ctx, req.PlayerID)
			if err != nil {
				return err
			}
			eligible := eligibleOrders(book, req.UserID, now)
			if first {
				if depth := totalRemaining(eligible); depth < req.Quantity {
					return fmt.Errorf("%w: %d available", ErrInsufficientSupply, depth)
				}
			}
			if len(eligible) == 0 {
				stopErr = ErrInsufficientSupply
				return errStopMatching
			}
			order := &eligible[0]

			wallet, err := tx.WalletForUpdate(ctx, req.UserID)
			if err != nil {
				return err
			}
			take := min(demand, order.Remaining(), wallet.Balance/order.Price)
			if take == 0 {
				stopErr = ErrInsufficientFunds
				if first {
					return ErrInsufficientFunds
				}
				return errStopMatching
			}

			cfg, err := feeConfig(ctx, tx, player.ClubID)
			if err != nil {
				return err
			}
			receipt, balance, err = settle(ctx, tx, settlement{
				buyerID:  req.UserID,
				player:   player,
				price:    order.Price,
				quantity: take,
				order:    order,
				cfg:      cfg,
				now:      now,
			})
			return err
		})
		if errors.Is(err, errStopMatching) {
			short = stopErr
			break
		}
		if err != nil {
			if first {
				return nil, s.reject(op, err, "user", req.UserID, "player_id", req.PlayerID, "qty", req.Quantity)
			}
			return result, s.reject(op, err, "user", req.UserID, "player_id", req.PlayerID, "filled", result.FilledQty)
		}

		recordSettlement("market", receipt, start)
		result.add(receipt, balance)
		s.orderFilled(ctx, receipt)
	}

	result.Success = true
	result.PricePerUnit = averageFill(result.TotalCost, result.FilledQty)
	if result.FilledQty < req.Quantity {
		result.ShortReason = Reason(short)
		metrics.PartialFills.Inc()
		s.logger.Info("market buy partially filled",
			"user", req.UserID,
			"player_id", req.PlayerID,
			"requested", req.Quantity,
			"filled", result.FilledQty,
			"reason", result.ShortReason,
		)
	}
	return result, nil
}

func (r *MarketBuyResult) add(receipt *model.TradeReceipt, balance int64) {
	r.Fills = append(r.Fills, Fill{
		TradeID:  receipt.ID,
		OrderID:  receipt.SellOrderID,
		SellerID: receipt.SellerID,
		Price:    receipt.Price,
		Quantity: receipt.Quantity,
	})
	r.FilledQty += receipt.Quantity
	r.TotalCost += receipt.Gross
	r.NewBalance = balance
}

// orderFilled logs a committed order fill and notifies buyer and seller.
func (s *Service) orderFilled(ctx context.Context, receipt *model.TradeReceipt) {
	s.logger.Info("trade settled",
		"trade_id", receipt.ID,
		"player_id", receipt.PlayerID,
		"buyer", receipt.BuyerID,
		"seller", receipt.SellerID,
		"order_id", receipt.SellOrderID,
		"qty", receipt.Quantity,
		"price", receipt.Price,
		"gross", receipt.Gross,
		"net", receipt.Net,
	)
	filled := tradeEvent(events.OrderFilled, receipt)
	filled.UserID = receipt.SellerID
	s.publish(ctx, tradeEvent(events.TradeExecuted, receipt), filled)
}

// OrderBuyRequest buys quantity units from one specific resting order.
type OrderBuyRequest struct {
	UserID         string `json:"user_id"`
	OrderID        string `json:"-"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// BuyFromOrder buys from one chosen order at its listed price. Unlike a
// market buy it is all-or-nothing: one transaction, one settlement.
func (s *Service) BuyFromOrder(ctx context.Context, req OrderBuyRequest) (*MarketBuyResult, error) {
	const op = "buy_from_order"
	if req.Quantity < 1 {
		return nil, s.reject(op, ErrInvalidQuantity, "user", req.UserID, "order_id", req.OrderID)
	}
	listed, err := s.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, s.reject(op, err, "user", req.UserID, "order_id", req.OrderID)
	}

	start := time.Now()
	now := s.now()
	var (
		receipt *model.TradeReceipt
		balance int64
	)
	err = s.inTx(ctx, func(tx store.Tx) error {
		if err := claimKey(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
			return err
		}
		player, err := lockPlayer(ctx, tx, listed.PlayerID)
		if err != nil {
			return err
		}
		order, err := tx.OrderForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		switch {
		case !order.Status.Matchable():
			return fmt.Errorf("%w: status %s", ErrOrderAlreadyClosed, order.Status)
		case order.Expired(now):
			return fmt.Errorf("%w: expired", ErrOrderAlreadyClosed)
		case order.UserID == req.UserID:
			return ErrSelfTrade
		case req.Quantity > order.Remaining():
			return fmt.Errorf("%w: %d remaining on order", ErrInsufficientSupply, order.Remaining())
		}

		cfg, err := feeConfig(ctx, tx, player.ClubID)
		if err != nil {
			return err
		}
		receipt, balance, err = settle(ctx, tx, settlement{
			buyerID:  req.UserID,
			player:   player,
			price:    order.Price,
			quantity: req.Quantity,
			order:    order,
			cfg:      cfg,
			now:      now,
		})
		return err
	})
	if err != nil {
		return nil, s.reject(op, err, "user", req.UserID, "order_id", req.OrderID, "qty", req.Quantity)
	}

	recordSettlement("order", receipt, start)
	result := &MarketBuyResult{Success: true, RequestedQty: req.Quantity, Fills: []Fill{}}
	result.add(receipt, balance)
	result.PricePerUnit = averageFill(result.TotalCost, result.FilledQty)
	s.orderFilled(ctx, receipt)
	return result, nil
}

// eligibleOrders filters a price-time sorted book down to the orders a
// buyer may match: not their own and not expired.
func eligibleOrders(book []model.Order, buyerID string, now time.Time) []model.Order {
	out := make([]model.Order, 0, len(book))
	for _, o := range book {
		if o.UserID == buyerID || o.Expired(now) || o.Remaining() <= 0 {
			continue
		}
		out = append(out, o)
	}
	return out
}

func totalRemaining(orders []model.Order) int64 {
	var n int64
	for _, o := range orders {
		n += o.Remaining()
	}
	return n
}

func averageFill(total, qty int64) decimal.Decimal {
	if qty == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(total).DivRound(decimal.NewFromInt(qty), 2)
}

// QuoteLevel is one order the quote would match.
type QuoteLevel struct {
	OrderID  string `json:"order_id"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

// Quote previews a market buy without mutating anything. Nothing is
// reserved: BuyFromMarket re-evaluates every precondition at commit time.
type Quote struct {
	PlayerID         string          `json:"player_id"`
	RequestedQty     int64           `json:"requested_qty"`
	FillableQty      int64           `json:"fillable_qty"`
	AvailableDepth   int64           `json:"available_depth"`
	TotalCost        int64           `json:"total_cost"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	Levels           []QuoteLevel    `json:"levels"`
	SkippedOwnOrders bool            `json:"skipped_own_orders"`
	Balance          int64           `json:"balance"`
	Affordable       bool            `json:"affordable"`
}

// Quote returns the price schedule a market buy of quantity would match now.
func (s *Service) Quote(ctx context.Context, userID, playerID string, quantity int64) (*Quote, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	player, err := read(ctx, s, func(ctx context.Context) (*model.Player, error) {
		return s.store.GetPlayer(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	if player.Liquidated {
		return nil, ErrPlayerLiquidated
	}
	book, err := read(ctx, s, func(ctx context.Context) ([]model.Order, error) {
		return s.store.ListOpenOrders(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	wallet, err := read(ctx, s, func(ctx context.Context) (*model.Wallet, error) {
		return s.store.GetWallet(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	q := &Quote{PlayerID: playerID, RequestedQty: quantity, Levels: []QuoteLevel{}, Balance: wallet.Balance}
	for _, o := range book {
		if o.UserID == userID && !o.Expired(now) {
			q.SkippedOwnOrders = true
		}
	}
	eligible := eligibleOrders(book, userID, now)
	q.AvailableDepth = totalRemaining(eligible)
	for _, o := range eligible {
		if q.FillableQty == quantity {
			break
		}
		take := min(quantity-q.FillableQty, o.Remaining())
		cost, ok := mulInt64(take, o.Price)
		if !ok || q.TotalCost > math.MaxInt64-cost {
			break
		}
		q.Levels = append(q.Levels, QuoteLevel{OrderID: o.ID, Price: o.Price, Quantity: take})
		q.FillableQty += take
		q.TotalCost += cost
	}
	q.PricePerUnit = averageFill(q.TotalCost, q.FillableQty)
	q.Affordable = q.FillableQty == quantity && wallet.Balance >= q.TotalCost
	return q, nil
}
