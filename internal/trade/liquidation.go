package trade

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// Payout is one holder's share of a liquidated player's pool.
type Payout struct {
	UserID   string `json:"user_id"`
	Quantity int64  `json:"quantity"`
	Amount   int64  `json:"amount"`
}

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	ID                string   `json:"id"`
	PlayerID          string   `json:"player_id"`
	Holders           int      `json:"holders"`
	PoolBalance       int64    `json:"pool_balance"`
	Distributed       int64    `json:"distributed"`
	PlatformRemainder int64    `json:"platform_remainder"`
	CancelledOrders   []string `json:"cancelled_orders"`
	CancelledIPOID    string   `json:"cancelled_ipo_id,omitempty"`
	Payouts           []Payout `json:"payouts"`
}

// LiquidatePlayer freezes trading on a player and pays the player's pool
// out to holders in proportion to their shares. Each payout is floored to
// the minor unit and the remainder goes to the platform account. Resting
// orders and the active offering are cancelled. Holdings are kept as the
// record of who owned what.
func (s *Service) LiquidatePlayer(ctx context.Context, playerID string) (*LiquidationResult, error) {
	const op = "liquidate_player"
	now := s.now()
	res := &LiquidationResult{ID: uuid.NewString(), PlayerID: playerID, CancelledOrders: []string{}, Payouts: []Payout{}}
	var cancelled []model.Order
	var ipo *model.IPO

	err := s.inTx(ctx, func(tx store.Tx) error {
		player, err := lockPlayer(ctx, tx, playerID)
		if err != nil {
			return err
		}

		book, err := tx.OpenOrdersForUpdate(ctx, playerID)
		if err != nil {
			return err
		}
		for i := range book {
			book[i].Status = model.OrderCancelled
			if err := tx.UpdateOrder(ctx, &book[i]); err != nil {
				return err
			}
		}
		cancelled = book

		active, err := tx.ActiveIPOForPlayer(ctx, playerID)
		switch {
		case err == nil:
			active.Status = model.IPOCancelled
			active.UpdatedAt = now
			if err := tx.UpdateIPO(ctx, active); err != nil {
				return err
			}
			ipo = active
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		pool, err := tx.FeeAccountForUpdate(ctx, model.AccountPool, playerID)
		if err != nil {
			return err
		}
		holders, err := tx.HoldersForUpdate(ctx, playerID)
		if err != nil {
			return err
		}
		payouts, err := distribute(pool.Balance, holders)
		if err != nil {
			return err
		}

		res.Holders = len(holders)
		res.PoolBalance = pool.Balance
		for _, p := range payouts {
			if p.Amount > 0 {
				w, err := tx.WalletForUpdate(ctx, p.UserID)
				if err != nil {
					return err
				}
				if err := applyWallet(ctx, tx, w, p.Amount, model.TxPayout, res.ID, now); err != nil {
					return err
				}
			}
			res.Distributed += p.Amount
		}
		res.Payouts = payouts
		res.PlatformRemainder = pool.Balance - res.Distributed

		if pool.Balance > 0 {
			if err := tx.CreditFeeAccount(ctx, model.AccountPool, playerID, -pool.Balance); err != nil {
				return err
			}
		}
		if res.PlatformRemainder > 0 {
			if err := tx.CreditFeeAccount(ctx, model.AccountPlatform, "", res.PlatformRemainder); err != nil {
				return err
			}
		}

		player.Liquidated = true
		return refreshFloor(ctx, tx, player, now)
	})
	if err != nil {
		return nil, s.reject(op, err, "player_id", playerID)
	}

	s.logger.Info("player liquidated",
		"liquidation_id", res.ID,
		"player_id", playerID,
		"holders", res.Holders,
		"distributed", res.Distributed,
		"platform_remainder", res.PlatformRemainder,
		"cancelled_orders", len(cancelled),
	)

	evs := make([]events.Event, 0, len(cancelled)+len(res.Payouts)+2)
	for i := range cancelled {
		res.CancelledOrders = append(res.CancelledOrders, cancelled[i].ID)
		evs = append(evs, orderEvent(events.OrderCancelled, &cancelled[i], now))
	}
	if ipo != nil {
		res.CancelledIPOID = ipo.ID
		evs = append(evs, statusEvent(ipo, now))
	}
	for _, p := range res.Payouts {
		e := events.New(events.PayoutCredited, now)
		e.PlayerID, e.UserID, e.Quantity, e.Amount = playerID, p.UserID, p.Quantity, p.Amount
		evs = append(evs, e)
	}
	done := events.New(events.Liquidated, now)
	done.PlayerID, done.Amount = playerID, res.Distributed
	evs = append(evs, done)
	s.publish(ctx, evs...)

	return res, nil
}

// distribute splits balance across holders pro rata to quantity, flooring
// each share. The sum of the payouts never exceeds balance.
func distribute(balance int64, holders []model.Holding) ([]Payout, error) {
	var total int64
	for _, h := range holders {
		total += h.Quantity
	}
	payouts := make([]Payout, 0, len(holders))
	if total <= 0 {
		return payouts, nil
	}
	if balance < 0 {
		return nil, fmt.Errorf("pool balance %d is negative", balance)
	}
	bal, sum := decimal.NewFromInt(balance), decimal.NewFromInt(total)
	for _, h := range holders {
		amount, _ := bal.Mul(decimal.NewFromInt(h.Quantity)).QuoRem(sum, 0)
		payouts = append(payouts, Payout{UserID: h.UserID, Quantity: h.Quantity, Amount: amount.IntPart()})
	}
	return payouts, nil
}
