// Package fee splits trade notionals across the platform, club and
// revenue-pool parties in fixed-point basis points.
//
// All arithmetic is integer minor units. The platform share absorbs the
// rounding remainder so the three shares always sum to exactly
// floor(gross * total / 10000).
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fanshare/dpc-exchange/internal/model"
)

// BpsDenominator is one hundred percent in basis points.
const BpsDenominator = 10000

var (
	// ErrBpsOutOfRange is returned when a basis-point value is outside [0, 10000].
	ErrBpsOutOfRange = errors.New("fee: basis points must be within [0, 10000]")

	// ErrTradeSplitMismatch is returned when the trade splits do not sum to the trade fee.
	ErrTradeSplitMismatch = errors.New("fee: trade splits must sum to trade_fee_bps")

	// ErrIPOSplitMismatch is returned when the IPO splits do not sum to 10000.
	ErrIPOSplitMismatch = errors.New("fee: ipo splits must sum to 10000")
)

// Rates are the per-party basis points of one split.
type Rates struct {
	PlatformBps int64
	ClubBps     int64
	PoolBps     int64
}

// Total returns the combined take rate.
func (r Rates) Total() int64 {
	return r.PlatformBps + r.ClubBps + r.PoolBps
}

// Split is the fee breakdown for one gross amount.
type Split struct {
	Platform int64 `json:"platform"`
	Club     int64 `json:"club"`
	Pool     int64 `json:"pool"`
}

// Total returns the sum of all shares.
func (s Split) Total() int64 {
	return s.Platform + s.Club + s.Pool
}

// Calculate splits gross across the parties. Club and pool shares are
// floor(gross * bps / 10000); the platform receives the rest of
// floor(gross * total / 10000). Gross must be non-negative and rates valid.
func Calculate(gross int64, r Rates) Split {
	if gross <= 0 {
		return Split{}
	}
	total := mulDivFloor(gross, r.Total())
	club := mulDivFloor(gross, r.ClubBps)
	pool := mulDivFloor(gross, r.PoolBps)
	return Split{
		Platform: total - club - pool,
		Club:     club,
		Pool:     pool,
	}
}

// mulDivFloor computes floor(a * bps / 10000) without overflowing for
// any a representable in int64 and bps in [0, 10000].
func mulDivFloor(a, bps int64) int64 {
	q, r := a/BpsDenominator, a%BpsDenominator
	return q*bps + r*bps/BpsDenominator
}

// TradeRates returns the secondary-trade split of a config.
func TradeRates(cfg *model.FeeConfig) Rates {
	return Rates{
		PlatformBps: cfg.TradePlatformBps,
		ClubBps:     cfg.TradeClubBps,
		PoolBps:     cfg.TradePoolBps,
	}
}

// IPORates returns the primary-offering proceeds split of a config.
func IPORates(cfg *model.FeeConfig) Rates {
	return Rates{
		PlatformBps: cfg.IPOPlatformBps,
		ClubBps:     cfg.IPOClubBps,
		PoolBps:     cfg.IPOPoolBps,
	}
}

// Validate checks a config before it is written.
func Validate(cfg *model.FeeConfig) error {
	fields := []struct {
		name string
		bps  int64
	}{
		{"trade_fee_bps", cfg.TradeFeeBps},
		{"trade_platform_bps", cfg.TradePlatformBps},
		{"trade_pool_bps", cfg.TradePoolBps},
		{"trade_club_bps", cfg.TradeClubBps},
		{"ipo_platform_bps", cfg.IPOPlatformBps},
		{"ipo_pool_bps", cfg.IPOPoolBps},
		{"ipo_club_bps", cfg.IPOClubBps},
	}
	for _, f := range fields {
		if f.bps < 0 || f.bps > BpsDenominator {
			return fmt.Errorf("%w: %s=%d", ErrBpsOutOfRange, f.name, f.bps)
		}
	}
	if got := TradeRates(cfg).Total(); got != cfg.TradeFeeBps {
		return fmt.Errorf("%w: splits=%d fee=%d", ErrTradeSplitMismatch, got, cfg.TradeFeeBps)
	}
	if got := IPORates(cfg).Total(); got != BpsDenominator {
		return fmt.Errorf("%w: splits=%d", ErrIPOSplitMismatch, got)
	}
	return nil
}

// DefaultConfig is the platform-wide fallback: 6% on secondary trades
// (3.5% platform, 1.5% pool, 1% club) and IPO proceeds routed 85% club,
// 10% platform, 5% pool.
func DefaultConfig() model.FeeConfig {
	return model.FeeConfig{
		ClubID:           model.DefaultFeeClub,
		TradeFeeBps:      600,
		TradePlatformBps: 350,
		TradePoolBps:     150,
		TradeClubBps:     100,
		IPOPlatformBps:   1000,
		IPOPoolBps:       500,
		IPOClubBps:       8500,
	}
}

// Percent renders basis points as a percentage, e.g. 600 → "6".
func Percent(bps int64) decimal.Decimal {
	return decimal.New(bps, -2)
}
