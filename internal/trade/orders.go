package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/metrics"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// PlaceOrderRequest lists quantity shares for sale at Price per unit.
type PlaceOrderRequest struct {
	UserID         string     `json:"user_id"`
	PlayerID       string     `json:"-"`
	Quantity       int64      `json:"quantity"`
	Price          int64      `json:"price"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// PlaceSellOrder inserts a resting sell order. The seller may list at most
// their holding minus what they already have listed. No funds move.
func (s *Service) PlaceSellOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	const op = "place_sell_order"
	now := s.now()
	switch {
	case req.Quantity < 1:
		return nil, s.reject(op, ErrInvalidQuantity, "user", req.UserID)
	case req.Price < 1:
		return nil, s.reject(op, ErrInvalidPrice, "user", req.UserID)
	case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
		return nil, s.reject(op, fmt.Errorf("%w: expiry must be in the future", ErrInvalidSchedule), "user", req.UserID)
	}

	order := &model.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		PlayerID:  req.PlayerID,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Status:    model.OrderOpen,
		CreatedAt: now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		order.ExpiresAt = &exp
	}

	err := s.inTx(ctx, func(tx store.Tx) error {
		if err := claimKey(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
			return err
		}
		player, err := lockPlayer(ctx, tx, req.PlayerID)
		if err != nil {
			return err
		}
		holding, err := tx.HoldingForUpdate(ctx, req.UserID, req.PlayerID)
		if err != nil {
			return err
		}
		listed, err := tx.ListedQty(ctx, req.UserID, req.PlayerID, now)
		if err != nil {
			return err
		}
		if available := holding.Quantity - listed; req.Quantity > available {
			return fmt.Errorf("%w: %d available", ErrInsufficientHoldings, available)
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return refreshFloor(ctx, tx, player, now)
	})
	if err != nil {
		return nil, s.reject(op, err, "user", req.UserID, "player_id", req.PlayerID, "qty", req.Quantity)
	}

	s.logger.Info("sell order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"player_id", order.PlayerID,
		"qty", order.Quantity,
		"price", order.Price,
	)
	s.publish(ctx, orderEvent(events.OrderPlaced, order, now))
	return order, nil
}

// CancelOrder stops the unfilled remainder of an order from matching.
// Already-filled quantity is untouched.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	const op = "cancel_order"
	now := s.now()
	// The player row is locked before the order, as matching does.
	listed, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.reject(op, err, "user", userID, "order_id", orderID)
	}
	var order *model.Order
	err = s.inTx(ctx, func(tx store.Tx) error {
		player, err := tx.PlayerForUpdate(ctx, listed.PlayerID)
		if err != nil {
			return err
		}
		order, err = tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrNotOwner
		}
		if !order.Status.Matchable() {
			return fmt.Errorf("%w: status %s", ErrOrderAlreadyClosed, order.Status)
		}
		return cancelLocked(ctx, tx, player, order, now)
	})
	if err != nil {
		return nil, s.reject(op, err, "user", userID, "order_id", orderID)
	}

	s.logger.Info("order cancelled",
		"order_id", order.ID,
		"user", userID,
		"filled", order.FilledQty,
		"released", order.Remaining(),
	)
	s.publish(ctx, orderEvent(events.OrderCancelled, order, now))
	return order, nil
}

// ExpireOrders cancels matchable orders whose expiry has passed and
// returns how many were cancelled.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := read(ctx, s, func(ctx context.Context) ([]model.Order, error) {
		return s.store.ListExpiredOrders(ctx, now)
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, candidate := range expired {
		var order *model.Order
		err := s.inTx(ctx, func(tx store.Tx) error {
			player, err := tx.PlayerForUpdate(ctx, candidate.PlayerID)
			if err != nil {
				return err
			}
			o, err := tx.OrderForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !o.Status.Matchable() || !o.Expired(now) {
				return nil
			}
			order = o
			return cancelLocked(ctx, tx, player, o, now)
		})
		if err != nil {
			return n, fmt.Errorf("expire order %s: %w", candidate.ID, err)
		}
		if order == nil {
			continue
		}
		n++
		metrics.OrdersExpired.Inc()
		s.logger.Info("order expired", "order_id", order.ID, "user", order.UserID, "released", order.Remaining())
		s.publish(ctx, orderEvent(events.OrderCancelled, order, now))
	}
	return n, nil
}

// cancelLocked cancels an order and refreshes the floor of its player.
// Both rows must already be locked, player first.
func cancelLocked(ctx context.Context, tx store.Tx, player *model.Player, order *model.Order, now time.Time) error {
	order.Status = model.OrderCancelled
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}
	return refreshFloor(ctx, tx, player, now)
}

// GetOpenOrders returns the player's matchable, unexpired orders in
// price-time priority.
func (s *Service) GetOpenOrders(ctx context.Context, playerID string) ([]model.Order, error) {
	book, err := read(ctx, s, func(ctx context.Context) ([]model.Order, error) {
		return s.store.ListOpenOrders(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	open := make([]model.Order, 0, len(book))
	for _, o := range book {
		if !o.Expired(now) {
			open = append(open, o)
		}
	}
	return open, nil
}

// GetOrder returns an order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return read(ctx, s, func(ctx context.Context) (*model.Order, error) {
		return s.store.GetOrder(ctx, orderID)
	})
}

func orderEvent(eventType string, o *model.Order, now time.Time) events.Event {
	e := events.New(eventType, now)
	e.PlayerID = o.PlayerID
	e.UserID = o.UserID
	e.OrderID = o.ID
	e.Status = string(o.Status)
	e.Quantity = o.Remaining()
	e.Price = o.Price
	return e
}
