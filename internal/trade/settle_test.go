package trade

import (
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

func TestEffectiveStatus(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	eaEnd := start.Add(48 * time.Hour)
	end := start.Add(10 * 24 * time.Hour)

	withEA := func(status model.IPOStatus) *model.IPO {
		return &model.IPO{Status: status, StartsAt: start, EndsAt: end, EarlyAccessEndsAt: &eaEnd}
	}
	plain := func(status model.IPOStatus) *model.IPO {
		return &model.IPO{Status: status, StartsAt: start, EndsAt: end}
	}

	tests := []struct {
		name string
		ipo  *model.IPO
		now  time.Time
		want model.IPOStatus
	}{
		{"before start", withEA(model.IPOAnnounced), start.Add(-time.Second), model.IPOAnnounced},
		{"early access window", withEA(model.IPOAnnounced), start.Add(time.Hour), model.IPOEarlyAccess},
		{"after window", withEA(model.IPOAnnounced), eaEnd, model.IPOOpen},
		{"no window opens", plain(model.IPOAnnounced), start, model.IPOOpen},
		{"manual early access holds", plain(model.IPOEarlyAccess), start.Add(time.Hour), model.IPOEarlyAccess},
		{"window elapses", withEA(model.IPOEarlyAccess), eaEnd.Add(time.Second), model.IPOOpen},
		{"past end", withEA(model.IPOOpen), end.Add(time.Second), model.IPOEnded},
		{"announced past end", plain(model.IPOAnnounced), end.Add(time.Second), model.IPOEnded},
		{"cancelled stays", plain(model.IPOCancelled), start.Add(time.Hour), model.IPOCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, effectiveStatus(tc.ipo, tc.now))
		})
	}
}

func TestAveragePrice(t *testing.T) {
	require.Equal(t, int64(500), averagePrice(0, 0, 3, 1500))
	// (3*500 + 1*100) / 4 = 400
	require.Equal(t, int64(400), averagePrice(3, 500, 1, 100))
	// (1*10 + 2*11) / 3 = 10.67, floored
	require.Equal(t, int64(10), averagePrice(1, 10, 2, 22))
	require.Equal(t, int64(0), averagePrice(0, 0, 0, 0))
}

func TestMulInt64(t *testing.T) {
	v, ok := mulInt64(12, 34)
	require.True(t, ok)
	require.Equal(t, int64(408), v)

	_, ok = mulInt64(math.MaxInt64/2+1, 2)
	require.False(t, ok)
	_, ok = mulInt64(-1, 2)
	require.False(t, ok)
}

func TestDistribute(t *testing.T) {
	holders := []model.Holding{
		{UserID: "a", Quantity: 3},
		{UserID: "b", Quantity: 3},
		{UserID: "c", Quantity: 1},
	}
	payouts, err := distribute(100, holders)
	require.NoError(t, err)
	// 100*3/7 = 42.86 and 100/7 = 14.29, floored; 2 is left over.
	require.Equal(t, []Payout{
		{UserID: "a", Quantity: 3, Amount: 42},
		{UserID: "b", Quantity: 3, Amount: 42},
		{UserID: "c", Quantity: 1, Amount: 14},
	}, payouts)

	payouts, err = distribute(100, nil)
	require.NoError(t, err)
	require.Empty(t, payouts)

	payouts, err = distribute(0, holders)
	require.NoError(t, err)
	for _, p := range payouts {
		require.Zero(t, p.Amount)
	}

	_, err = distribute(-1, holders)
	require.Error(t, err)
}

func TestEligibleOrders(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	book := []model.Order{
		{ID: "own", UserID: "buyer", Quantity: 5},
		{ID: "expired", UserID: "s", Quantity: 5, ExpiresAt: &past},
		{ID: "drained", UserID: "s", Quantity: 5, FilledQty: 5},
		{ID: "ok", UserID: "s", Quantity: 5, FilledQty: 2},
	}
	got := eligibleOrders(book, "buyer", now)
	require.Len(t, got, 1)
	require.Equal(t, "ok", got[0].ID)
	require.Equal(t, int64(3), totalRemaining(got))
}

func TestReasonAndStatus(t *testing.T) {
	tests := []struct {
		err    error
		reason string
		status int
	}{
		{ErrSoldOut, "sold_out", http.StatusConflict},
		{ErrInsufficientSupply, "insufficient_supply", http.StatusConflict},
		{ErrInvalidQuantity, "invalid_quantity", http.StatusBadRequest},
		{ErrNotOwner, "not_owner", http.StatusForbidden},
		{translate(store.ErrNotFound), "not_found", http.StatusNotFound},
		{ErrOutcomeUnknown, "outcome_unknown", http.StatusGatewayTimeout},
		{store.ErrConflict, "conflict", http.StatusConflict},
		{errors.New("disk on fire"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.reason, func(t *testing.T) {
			require.Equal(t, tc.reason, Reason(tc.err))
			require.Equal(t, tc.status, httpStatus(tc.err))
		})
	}
	require.True(t, isPrecondition(ErrLimitExceeded))
	require.False(t, isPrecondition(store.ErrConflict))
}

func TestSubscriptionMatches(t *testing.T) {
	e := events.Event{PlayerID: "p1", UserID: "alice"}
	require.True(t, subscription{}.matches(e))
	require.True(t, subscription{playerID: "p1"}.matches(e))
	require.True(t, subscription{playerID: "p1", userID: "alice"}.matches(e))
	require.False(t, subscription{playerID: "p2"}.matches(e))
	require.False(t, subscription{userID: "bob"}.matches(e))
}
