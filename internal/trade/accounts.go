package trade

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/fanshare/dpc-exchange/internal/fee"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// GetHoldingQty returns how many shares of a player the user owns.
func (s *Service) GetHoldingQty(ctx context.Context, userID, playerID string) (int64, error) {
	h, err := s.GetHolding(ctx, userID, playerID)
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

// GetHolding returns the user's holding, zero if they own none.
func (s *Service) GetHolding(ctx context.Context, userID, playerID string) (*model.Holding, error) {
	return read(ctx, s, func(ctx context.Context) (*model.Holding, error) {
		return s.store.GetHolding(ctx, userID, playerID)
	})
}

// ListHoldings returns every non-empty holding of a user.
func (s *Service) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return read(ctx, s, func(ctx context.Context) ([]model.Holding, error) {
		return s.store.ListHoldings(ctx, userID)
	})
}

// GetWalletBalance returns the user's spendable balance in minor units.
func (s *Service) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	w, err := read(ctx, s, func(ctx context.Context) (*model.Wallet, error) {
		return s.store.GetWallet(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// FundWallet credits a deposit and journals it under reference.
func (s *Service) FundWallet(ctx context.Context, userID string, amount int64, reference string) (*model.Wallet, error) {
	const op = "fund_wallet"
	if amount < 1 {
		return nil, s.reject(op, ErrInvalidAmount, "user", userID)
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	now := s.now()
	var wallet *model.Wallet
	err := s.inTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if w.Balance > math.MaxInt64-amount {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		wallet = w
		return applyWallet(ctx, tx, w, amount, model.TxDeposit, reference, now)
	})
	if err != nil {
		return nil, s.reject(op, err, "user", userID, "amount", amount)
	}
	s.logger.Info("wallet funded", "user", userID, "amount", amount, "balance", wallet.Balance, "reference", reference)
	return wallet, nil
}

// ListWalletTransactions returns the user's balance journal, newest first.
func (s *Service) ListWalletTransactions(ctx context.Context, userID string, limit int) ([]model.WalletTransaction, error) {
	return read(ctx, s, func(ctx context.Context) ([]model.WalletTransaction, error) {
		return s.store.ListWalletTransactions(ctx, userID, limit)
	})
}

// ListTradesByPlayer returns a player's receipts, newest first.
func (s *Service) ListTradesByPlayer(ctx context.Context, playerID string, limit int) ([]model.TradeReceipt, error) {
	return read(ctx, s, func(ctx context.Context) ([]model.TradeReceipt, error) {
		return s.store.ListTradesByPlayer(ctx, playerID, limit)
	})
}

// ListTradesByUser returns receipts where the user bought or sold, newest first.
func (s *Service) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.TradeReceipt, error) {
	return read(ctx, s, func(ctx context.Context) ([]model.TradeReceipt, error) {
		return s.store.ListTradesByUser(ctx, userID, limit)
	})
}

// PlayerSummary is a player's share pool plus its holder count.
type PlayerSummary struct {
	model.Player
	Holders int64 `json:"holders"`
}

// CreatePlayer registers a player's share pool with zero circulation.
func (s *Service) CreatePlayer(ctx context.Context, id, clubID string) (*model.Player, error) {
	if id == "" {
		id = uuid.NewString()
	}
	p := &model.Player{ID: id, ClubID: clubID, CreatedAt: s.now()}
	if _, err := read(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.CreatePlayer(ctx, p)
	}); err != nil {
		return nil, s.reject("create_player", err, "player_id", id)
	}
	s.logger.Info("player created", "player_id", id, "club_id", clubID)
	return p, nil
}

// GetPlayer returns a player with its current holder count.
func (s *Service) GetPlayer(ctx context.Context, playerID string) (*PlayerSummary, error) {
	p, err := read(ctx, s, func(ctx context.Context) (*model.Player, error) {
		return s.store.GetPlayer(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	n, err := read(ctx, s, func(ctx context.Context) (int64, error) {
		return s.store.CountHolders(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	return &PlayerSummary{Player: *p, Holders: n}, nil
}

// GetFeeConfig returns the exact row for clubID. Use model.DefaultFeeClub
// for the default row.
func (s *Service) GetFeeConfig(ctx context.Context, clubID string) (*model.FeeConfig, error) {
	return read(ctx, s, func(ctx context.Context) (*model.FeeConfig, error) {
		return s.store.GetFeeConfig(ctx, clubID)
	})
}

// SetFeeConfig validates and stores a fee config row.
func (s *Service) SetFeeConfig(ctx context.Context, cfg model.FeeConfig) (*model.FeeConfig, error) {
	const op = "set_fee_config"
	if err := fee.Validate(&cfg); err != nil {
		return nil, s.reject(op, fmt.Errorf("%w: %w", ErrInvalidFeeConfig, err), "club_id", cfg.ClubID)
	}
	cfg.UpdatedAt = s.now()
	if _, err := read(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.PutFeeConfig(ctx, &cfg)
	}); err != nil {
		return nil, s.reject(op, err, "club_id", cfg.ClubID)
	}
	s.logger.Info("fee config updated",
		"club_id", cfg.ClubID,
		"trade_fee_pct", fee.Percent(cfg.TradeFeeBps).String(),
		"ipo_club_pct", fee.Percent(cfg.IPOClubBps).String(),
	)
	return &cfg, nil
}

// GetFeeAccount returns a revenue account balance. The platform account
// has an empty owner.
func (s *Service) GetFeeAccount(ctx context.Context, kind, ownerID string) (*model.FeeAccount, error) {
	return read(ctx, s, func(ctx context.Context) (*model.FeeAccount, error) {
		return s.store.GetFeeAccount(ctx, kind, ownerID)
	})
}
