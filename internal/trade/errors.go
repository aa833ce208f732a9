package trade

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fanshare/dpc-exchange/internal/store"
)

// Precondition failures. Each is returned before any state changes and maps
// to a stable reason code via Reason.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientSupply   = errors.New("insufficient supply")
	ErrSoldOut              = fmt.Errorf("ipo sold out: %w", ErrInsufficientSupply)
	ErrLimitExceeded        = errors.New("per-user ipo limit exceeded")
	ErrInvalidQuantity      = errors.New("quantity must be at least 1")
	ErrInvalidPrice         = errors.New("price must be at least 1")
	ErrInvalidAmount        = errors.New("amount must be at least 1")
	ErrInvalidSchedule      = errors.New("invalid schedule")
	ErrInvalidFeeConfig     = errors.New("invalid fee config")
	ErrNotOwner             = errors.New("order belongs to another user")
	ErrSelfTrade            = errors.New("cannot buy from your own order")
	ErrPlayerLiquidated     = errors.New("player is liquidated")
	ErrOrderAlreadyClosed   = errors.New("order is already filled or cancelled")
	ErrIPOClosed            = errors.New("ipo is not open")
	ErrIPOAlreadyActive     = errors.New("player already has an active ipo")
	ErrInvalidTransition    = errors.New("invalid ipo status transition")
	ErrInsufficientHoldings = errors.New("quantity exceeds shares available to sell")
	ErrDuplicateRequest     = errors.New("idempotency key already used")
	ErrNotFound             = errors.New("not found")
	ErrFeeConfigMissing     = errors.New("no fee config for club and no default")

	// ErrOutcomeUnknown means the store did not answer within the deadline.
	// The mutation may or may not have committed; callers must re-read
	// holdings and wallet state instead of retrying.
	ErrOutcomeUnknown = errors.New("store did not respond in time, outcome unknown")
)

// reasons is ordered: narrower errors come before the errors they wrap.
var reasons = []struct {
	err    error
	reason string
	status int
}{
	{ErrSoldOut, "sold_out", http.StatusConflict},
	{ErrInsufficientSupply, "insufficient_supply", http.StatusConflict},
	{ErrInsufficientFunds, "insufficient_funds", http.StatusConflict},
	{ErrLimitExceeded, "limit_exceeded", http.StatusConflict},
	{ErrInvalidQuantity, "invalid_quantity", http.StatusBadRequest},
	{ErrInvalidPrice, "invalid_price", http.StatusBadRequest},
	{ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{ErrInvalidSchedule, "invalid_schedule", http.StatusBadRequest},
	{ErrInvalidFeeConfig, "invalid_fee_config", http.StatusBadRequest},
	{ErrNotOwner, "not_owner", http.StatusForbidden},
	{ErrSelfTrade, "self_trade", http.StatusConflict},
	{ErrPlayerLiquidated, "player_liquidated", http.StatusConflict},
	{ErrOrderAlreadyClosed, "order_already_closed", http.StatusConflict},
	{ErrIPOClosed, "ipo_closed", http.StatusConflict},
	{ErrIPOAlreadyActive, "ipo_already_active", http.StatusConflict},
	{ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{ErrInsufficientHoldings, "insufficient_holdings", http.StatusConflict},
	{ErrDuplicateRequest, "duplicate_request", http.StatusConflict},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrFeeConfigMissing, "fee_config_missing", http.StatusConflict},
	{ErrOutcomeUnknown, "outcome_unknown", http.StatusGatewayTimeout},
	{store.ErrConflict, "conflict", http.StatusConflict},
}

// Reason returns the stable snake_case code for err, or "internal".
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}

// httpStatus maps err to a response status code.
func httpStatus(err error) int {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.status
		}
	}
	return http.StatusInternalServerError
}

// isPrecondition reports whether err is a rejected precondition rather
// than a store failure.
func isPrecondition(err error) bool {
	switch Reason(err) {
	case "internal", "outcome_unknown", "conflict":
		return false
	}
	return true
}

// translate maps store-level failures onto the service taxonomy. Service
// sentinels pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	case errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
