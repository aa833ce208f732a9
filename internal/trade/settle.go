package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fanshare/dpc-exchange/internal/fee"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// settlement is one matched quantity at one price. Exactly one of order
// (secondary trade) or ipo (primary sale) is set.
type settlement struct {
	buyerID  string
	player   *model.Player // locked by the caller
	price    int64
	quantity int64
	order    *model.Order // locked by the caller
	ipo      *model.IPO
	cfg      *model.FeeConfig
	now      time.Time
}

// settle moves funds, fees and shares for one match and appends the
// receipt. It must run inside the caller's transaction; any error aborts
// the whole transaction. It returns the receipt and the buyer's new balance.
func settle(ctx context.Context, tx store.Tx, st settlement) (*model.TradeReceipt, int64, error) {
	gross, ok := mulInt64(st.price, st.quantity)
	if !ok {
		return nil, 0, fmt.Errorf("%w: gross overflows", ErrInsufficientFunds)
	}

	rates := fee.TradeRates(st.cfg)
	sellerID := model.SellerIPO
	if st.order != nil {
		sellerID = st.order.UserID
		if sellerID == st.buyerID {
			return nil, 0, errors.New("settle: buyer and seller are the same user")
		}
	} else {
		rates = fee.IPORates(st.cfg)
	}
	split := fee.Calculate(gross, rates)
	net := gross - split.Total()

	receipt := &model.TradeReceipt{
		ID:          uuid.NewString(),
		PlayerID:    st.player.ID,
		BuyerID:     st.buyerID,
		SellerID:    sellerID,
		Price:       st.price,
		Quantity:    st.quantity,
		Gross:       gross,
		PlatformFee: split.Platform,
		ClubFee:     split.Club,
		PoolFee:     split.Pool,
		Net:         net,
		ExecutedAt:  st.now,
	}

	// Debit buyer; re-checked here to close races with concurrent spends.
	buyer, err := tx.WalletForUpdate(ctx, st.buyerID)
	if err != nil {
		return nil, 0, err
	}
	if buyer.Balance < gross {
		return nil, 0, ErrInsufficientFunds
	}
	buyType := model.TxTradeBuy
	if st.ipo != nil {
		buyType = model.TxIPOBuy
	}
	if err := applyWallet(ctx, tx, buyer, -gross, buyType, receipt.ID, st.now); err != nil {
		return nil, 0, err
	}

	// Credit seller net of fees, or route the issuer remainder to the club.
	clubCredit := split.Club
	if st.order != nil {
		seller, err := tx.WalletForUpdate(ctx, sellerID)
		if err != nil {
			return nil, 0, err
		}
		if err := applyWallet(ctx, tx, seller, net, model.TxTradeSell, receipt.ID, st.now); err != nil {
			return nil, 0, err
		}
	} else {
		clubCredit += net
	}

	credits := []struct {
		kind, owner string
		amount      int64
	}{
		{model.AccountPlatform, "", split.Platform},
		{model.AccountClub, st.player.ClubID, clubCredit},
		{model.AccountPool, st.player.ID, split.Pool},
	}
	for _, c := range credits {
		if c.amount == 0 {
			continue
		}
		if err := tx.CreditFeeAccount(ctx, c.kind, c.owner, c.amount); err != nil {
			return nil, 0, err
		}
	}

	// Move shares.
	if st.order != nil {
		sh, err := tx.HoldingForUpdate(ctx, sellerID, st.player.ID)
		if err != nil {
			return nil, 0, err
		}
		if sh.Quantity < st.quantity {
			return nil, 0, fmt.Errorf("%w: seller %s holds %d", ErrInsufficientHoldings, sellerID, sh.Quantity)
		}
		sh.Quantity -= st.quantity
		sh.UpdatedAt = st.now
		if err := tx.UpsertHolding(ctx, sh); err != nil {
			return nil, 0, err
		}
	} else {
		st.player.Circulation += st.quantity
	}

	bh, err := tx.HoldingForUpdate(ctx, st.buyerID, st.player.ID)
	if err != nil {
		return nil, 0, err
	}
	bh.AvgBuyPrice = averagePrice(bh.Quantity, bh.AvgBuyPrice, st.quantity, gross)
	bh.Quantity += st.quantity
	bh.UpdatedAt = st.now
	if err := tx.UpsertHolding(ctx, bh); err != nil {
		return nil, 0, err
	}

	// Fill the source order.
	if st.order != nil {
		st.order.FilledQty += st.quantity
		st.order.Status = model.OrderPartial
		if st.order.Remaining() == 0 {
			st.order.Status = model.OrderFilled
		}
		if err := tx.UpdateOrder(ctx, st.order); err != nil {
			return nil, 0, err
		}
		receipt.SellOrderID = st.order.ID
	} else {
		receipt.IPOID = st.ipo.ID
	}

	if err := tx.InsertTrade(ctx, receipt); err != nil {
		return nil, 0, err
	}

	st.player.LastPrice = st.price
	if err := refreshFloor(ctx, tx, st.player, st.now); err != nil {
		return nil, 0, err
	}
	return receipt, buyer.Balance, nil
}

// applyWallet changes a locked wallet by amount and journals the change.
func applyWallet(ctx context.Context, tx store.Tx, w *model.Wallet, amount int64, txType, ref string, now time.Time) error {
	w.Balance += amount
	w.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	return tx.InsertWalletTransaction(ctx, &model.WalletTransaction{
		ID:           uuid.NewString(),
		UserID:       w.UserID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: w.Balance,
		ReferenceID:  ref,
		CreatedAt:    now,
	})
}

// refreshFloor sets the floor to the lowest resting ask, else the last
// trade price, else the IPO price, and writes the player.
func refreshFloor(ctx context.Context, tx store.Tx, p *model.Player, now time.Time) error {
	ask, ok, err := tx.LowestAsk(ctx, p.ID, now)
	if err != nil {
		return err
	}
	switch {
	case ok:
		p.FloorPrice = ask
	case p.LastPrice > 0:
		p.FloorPrice = p.LastPrice
	default:
		p.FloorPrice = p.IPOPrice
	}
	return tx.UpdatePlayer(ctx, p)
}

// lockPlayer locks a tradable player.
func lockPlayer(ctx context.Context, tx store.Tx, id string) (*model.Player, error) {
	p, err := tx.PlayerForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Liquidated {
		return nil, ErrPlayerLiquidated
	}
	return p, nil
}

// feeConfig resolves the club config, else the default, inside tx.
func feeConfig(ctx context.Context, tx store.Tx, clubID string) (*model.FeeConfig, error) {
	cfg, err := tx.FeeConfig(ctx, clubID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: club %q", ErrFeeConfigMissing, clubID)
	}
	return cfg, err
}

// averagePrice is the weighted average cost after adding qty units bought
// for cost, floored to the minor unit.
func averagePrice(heldQty, heldAvg, qty, cost int64) int64 {
	total := heldQty + qty
	if total <= 0 {
		return 0
	}
	held := decimal.NewFromInt(heldQty).Mul(decimal.NewFromInt(heldAvg))
	return held.Add(decimal.NewFromInt(cost)).Div(decimal.NewFromInt(total)).Floor().IntPart()
}

// mulInt64 multiplies non-negative a and b, reporting overflow.
func mulInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}
