package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// IPO defaults applied when the request leaves them zero.
const (
	DefaultMaxPerUser   = 50
	DefaultDurationDays = 14
)

// IPOBuyRequest is a primary-offering purchase. EarlyAccess marks a caller
// entitled to buy during the early-access phase.
type IPOBuyRequest struct {
	UserID         string `json:"user_id"`
	IPOID          string `json:"-"`
	Quantity       int64  `json:"quantity"`
	EarlyAccess    bool   `json:"early_access"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// IPOBuyResult is returned from a successful primary purchase.
type IPOBuyResult struct {
	Success            bool   `json:"success"`
	TradeID            string `json:"trade_id"`
	Quantity           int64  `json:"quantity"`
	PricePerUnit       int64  `json:"price_per_unit"`
	TotalCost          int64  `json:"total_cost"`
	NewBalance         int64  `json:"new_balance"`
	UserTotalPurchased int64  `json:"user_total_purchased"`
	IPORemaining       int64  `json:"ipo_remaining"`
	SoldOut            bool   `json:"sold_out"`
}

// BuyFromIPO buys quantity units at the IPO's fixed price. The purchase is
// all-or-nothing and every precondition is checked inside the transaction
// that performs it.
func (s *Service) BuyFromIPO(ctx context.Context, req IPOBuyRequest) (*IPOBuyResult, error) {
	const op = "buy_from_ipo"
	if req.Quantity < 1 {
		return nil, s.reject(op, ErrInvalidQuantity, "user", req.UserID, "ipo_id", req.IPOID)
	}

	// An offering never changes player, so the player row can be locked
	// before the IPO row, in the same order as every other mutation.
	offering, err := s.GetIPO(ctx, req.IPOID)
	if err != nil {
		return nil, s.reject(op, err, "user", req.UserID, "ipo_id", req.IPOID)
	}

	start := time.Now()
	now := s.now()
	var (
		receipt     *model.TradeReceipt
		result      IPOBuyResult
		firstHolder bool
	)
	err = s.inTx(ctx, func(tx store.Tx) error {
		if err := claimKey(ctx, tx, req.UserID, req.IdempotencyKey); err != nil {
			return err
		}

		player, err := lockPlayer(ctx, tx, offering.PlayerID)
		if err != nil {
			return err
		}

		ipo, err := tx.IPOForUpdate(ctx, req.IPOID)
		if err != nil {
			return err
		}
		status := effectiveStatus(ipo, now)
		if status != model.IPOOpen && !(status == model.IPOEarlyAccess && req.EarlyAccess) {
			return fmt.Errorf("%w: status %s", ErrIPOClosed, status)
		}

		purchased, err := tx.UserIPOPurchased(ctx, ipo.ID, req.UserID)
		if err != nil {
			return err
		}
		if ipo.MaxPerUser > 0 && purchased+req.Quantity > ipo.MaxPerUser {
			return fmt.Errorf("%w: purchased %d of %d", ErrLimitExceeded, purchased, ipo.MaxPerUser)
		}
		if req.Quantity > ipo.Remaining() {
			return fmt.Errorf("%w: %d remaining", ErrSoldOut, ipo.Remaining())
		}

		cfg, err := feeConfig(ctx, tx, player.ClubID)
		if err != nil {
			return err
		}

		firstHolder = player.Circulation == 0
		r, balance, err := settle(ctx, tx, settlement{
			buyerID:  req.UserID,
			player:   player,
			price:    ipo.Price,
			quantity: req.Quantity,
			ipo:      ipo,
			cfg:      cfg,
			now:      now,
		})
		if err != nil {
			return err
		}

		ipo.Sold += req.Quantity
		ipo.Status = status
		if ipo.Sold == ipo.TotalOffered {
			ipo.Status = model.IPOEnded
		}
		ipo.UpdatedAt = now
		if err := tx.UpdateIPO(ctx, ipo); err != nil {
			return err
		}
		if err := tx.InsertIPOPurchase(ctx, &model.IPOPurchase{
			ID:          uuid.NewString(),
			IPOID:       ipo.ID,
			UserID:      req.UserID,
			TradeID:     r.ID,
			Quantity:    req.Quantity,
			Price:       ipo.Price,
			PurchasedAt: now,
		}); err != nil {
			return err
		}

		receipt = r
		result = IPOBuyResult{
			Success:            true,
			TradeID:            r.ID,
			Quantity:           req.Quantity,
			PricePerUnit:       ipo.Price,
			TotalCost:          r.Gross,
			NewBalance:         balance,
			UserTotalPurchased: purchased + req.Quantity,
			IPORemaining:       ipo.Remaining(),
			SoldOut:            ipo.Status == model.IPOEnded && ipo.Remaining() == 0,
		}
		return nil
	})
	if err != nil {
		return nil, s.reject(op, err, "user", req.UserID, "ipo_id", req.IPOID, "qty", req.Quantity)
	}

	recordSettlement("ipo", receipt, start)
	s.logger.Info("ipo purchase",
		"trade_id", receipt.ID,
		"ipo_id", req.IPOID,
		"player_id", receipt.PlayerID,
		"user", req.UserID,
		"qty", req.Quantity,
		"price", receipt.Price,
		"gross", receipt.Gross,
		"remaining", result.IPORemaining,
	)

	bought := tradeEvent(events.IPOPurchased, receipt)
	bought.UserID, bought.IPOID = req.UserID, req.IPOID
	evs := []events.Event{bought, tradeEvent(events.TradeExecuted, receipt)}
	if result.SoldOut {
		e := events.New(events.IPOSoldOut, receipt.ExecutedAt)
		e.PlayerID, e.IPOID = receipt.PlayerID, req.IPOID
		evs = append(evs, e)
	}
	if firstHolder {
		e := events.New(events.FirstHolder, receipt.ExecutedAt)
		e.PlayerID, e.UserID = receipt.PlayerID, req.UserID
		evs = append(evs, e)
	}
	s.publish(ctx, evs...)

	return &result, nil
}

// CreateIPORequest opens a primary offering for a player. StartsAt is
// required unless StartImmediately is set.
type CreateIPORequest struct {
	PlayerID         string     `json:"player_id"`
	Price            int64      `json:"price"`
	TotalOffered     int64      `json:"total_offered"`
	MaxPerUser       int64      `json:"max_per_user"`
	DurationDays     int        `json:"duration_days"`
	EarlyAccessDays  int        `json:"early_access_days"`
	StartImmediately bool       `json:"start_immediately"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
}

// CreateIPO creates the player's single active offering. The early-access
// window, if any, precedes the open phase.
func (s *Service) CreateIPO(ctx context.Context, req CreateIPORequest) (*model.IPO, error) {
	const op = "create_ipo"
	switch {
	case req.Price < 1:
		return nil, s.reject(op, ErrInvalidPrice)
	case req.TotalOffered < 1 || req.MaxPerUser < 0:
		return nil, s.reject(op, ErrInvalidQuantity)
	case req.DurationDays < 0 || req.EarlyAccessDays < 0:
		return nil, s.reject(op, fmt.Errorf("%w: negative duration", ErrInvalidSchedule))
	case !req.StartImmediately && req.StartsAt == nil:
		return nil, s.reject(op, fmt.Errorf("%w: starts_at required", ErrInvalidSchedule))
	}
	if req.MaxPerUser == 0 {
		req.MaxPerUser = DefaultMaxPerUser
	}
	if req.DurationDays == 0 {
		req.DurationDays = DefaultDurationDays
	}

	now := s.now()
	startsAt := now
	if !req.StartImmediately {
		startsAt = req.StartsAt.UTC()
	}
	day := 24 * time.Hour
	ipo := &model.IPO{
		ID:           uuid.NewString(),
		PlayerID:     req.PlayerID,
		Status:       model.IPOAnnounced,
		Price:        req.Price,
		TotalOffered: req.TotalOffered,
		MaxPerUser:   req.MaxPerUser,
		StartsAt:     startsAt,
		EndsAt:       startsAt.Add(time.Duration(req.EarlyAccessDays+req.DurationDays) * day),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.EarlyAccessDays > 0 {
		ends := startsAt.Add(time.Duration(req.EarlyAccessDays) * day)
		ipo.EarlyAccessEndsAt = &ends
	}
	if req.StartImmediately {
		ipo.Status = effectiveStatus(ipo, now)
	}

	err := s.inTx(ctx, func(tx store.Tx) error {
		player, err := lockPlayer(ctx, tx, req.PlayerID)
		if err != nil {
			return err
		}
		active, err := tx.ActiveIPOForPlayer(ctx, req.PlayerID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrIPOAlreadyActive, active.ID)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.InsertIPO(ctx, ipo); err != nil {
			return err
		}
		player.IPOPrice = req.Price
		return refreshFloor(ctx, tx, player, now)
	})
	if err != nil {
		return nil, s.reject(op, err, "player_id", req.PlayerID)
	}

	s.logger.Info("ipo created",
		"ipo_id", ipo.ID,
		"player_id", ipo.PlayerID,
		"status", ipo.Status,
		"price", ipo.Price,
		"total_offered", ipo.TotalOffered,
		"ends_at", ipo.EndsAt,
	)
	s.publish(ctx, statusEvent(ipo, now))
	return ipo, nil
}

// transitions lists the status changes an administrator may request.
var transitions = map[model.IPOStatus][]model.IPOStatus{
	model.IPOAnnounced:   {model.IPOEarlyAccess, model.IPOOpen, model.IPOCancelled},
	model.IPOEarlyAccess: {model.IPOOpen, model.IPOEnded, model.IPOCancelled},
	model.IPOOpen:        {model.IPOEnded, model.IPOCancelled},
}

func canTransition(from, to model.IPOStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateIPOStatus applies an administrative status change. Ended and
// cancelled are terminal; purchases already made stand.
func (s *Service) UpdateIPOStatus(ctx context.Context, ipoID string, status model.IPOStatus) (*model.IPO, error) {
	const op = "update_ipo_status"
	now := s.now()
	var ipo *model.IPO
	err := s.inTx(ctx, func(tx store.Tx) error {
		var err error
		ipo, err = tx.IPOForUpdate(ctx, ipoID)
		if err != nil {
			return err
		}
		if !canTransition(ipo.Status, status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, ipo.Status, status)
		}
		ipo.Status = status
		ipo.UpdatedAt = now
		return tx.UpdateIPO(ctx, ipo)
	})
	if err != nil {
		return nil, s.reject(op, err, "ipo_id", ipoID, "status", status)
	}

	s.logger.Info("ipo status changed", "ipo_id", ipoID, "status", status)
	s.publish(ctx, statusEvent(ipo, now))
	return ipo, nil
}

// GetIPO returns an offering by id.
func (s *Service) GetIPO(ctx context.Context, ipoID string) (*model.IPO, error) {
	return read(ctx, s, func(ctx context.Context) (*model.IPO, error) {
		return s.store.GetIPO(ctx, ipoID)
	})
}

// SweepIPOs moves active offerings along their schedule: announced ones
// whose start has passed open (or enter early access), early access opens
// when its window ends, and anything past ends_at ends. It returns the
// number of offerings changed.
func (s *Service) SweepIPOs(ctx context.Context) (int, error) {
	now := s.now()
	active, err := read(ctx, s, func(ctx context.Context) ([]model.IPO, error) {
		return s.store.ListIPOsByStatus(ctx, model.IPOAnnounced, model.IPOEarlyAccess, model.IPOOpen)
	})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, candidate := range active {
		if effectiveStatus(&candidate, now) == candidate.Status {
			continue
		}
		var ipo *model.IPO
		err := s.inTx(ctx, func(tx store.Tx) error {
			var err error
			ipo, err = tx.IPOForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			next := effectiveStatus(ipo, now)
			if next == ipo.Status {
				ipo = nil
				return nil
			}
			ipo.Status = next
			ipo.UpdatedAt = now
			return tx.UpdateIPO(ctx, ipo)
		})
		if err != nil {
			return changed, fmt.Errorf("sweep ipo %s: %w", candidate.ID, err)
		}
		if ipo == nil {
			continue
		}
		changed++
		s.logger.Info("ipo status advanced", "ipo_id", ipo.ID, "status", ipo.Status)
		s.publish(ctx, statusEvent(ipo, now))
	}
	return changed, nil
}

// effectiveStatus is the status an offering should have at now according
// to its schedule. Terminal states never change.
func effectiveStatus(ipo *model.IPO, now time.Time) model.IPOStatus {
	if !ipo.Status.Active() {
		return ipo.Status
	}
	if now.After(ipo.EndsAt) {
		return model.IPOEnded
	}
	switch ipo.Status {
	case model.IPOAnnounced:
		if now.Before(ipo.StartsAt) {
			return model.IPOAnnounced
		}
		if ipo.EarlyAccessEndsAt != nil && now.Before(*ipo.EarlyAccessEndsAt) {
			return model.IPOEarlyAccess
		}
		return model.IPOOpen
	case model.IPOEarlyAccess:
		// Without a scheduled window, early access lasts until changed by hand.
		if ipo.EarlyAccessEndsAt == nil || now.Before(*ipo.EarlyAccessEndsAt) {
			return model.IPOEarlyAccess
		}
		return model.IPOOpen
	}
	return ipo.Status
}

func statusEvent(ipo *model.IPO, now time.Time) events.Event {
	e := events.New(events.IPOStatus, now)
	e.PlayerID, e.IPOID, e.Status = ipo.PlayerID, ipo.ID, string(ipo.Status)
	return e
}

func tradeEvent(eventType string, r *model.TradeReceipt) events.Event {
	e := events.New(eventType, r.ExecutedAt)
	e.PlayerID = r.PlayerID
	e.UserID = r.BuyerID
	e.TradeID = r.ID
	e.OrderID = r.SellOrderID
	e.IPOID = r.IPOID
	e.Quantity = r.Quantity
	e.Price = r.Price
	return e
}
