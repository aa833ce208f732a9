// Package events carries post-commit notifications to collaborators:
// WebSocket clients, the Kafka notification feed, or both.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TradeExecuted  = "trade.executed"
	OrderFilled    = "order.filled"
	OrderPlaced    = "order.placed"
	OrderCancelled = "order.cancelled"
	IPOPurchased   = "ipo.purchased"
	IPOSoldOut     = "ipo.sold_out"
	IPOStatus      = "ipo.status_changed"
	FirstHolder    = "player.first_holder"
	Liquidated     = "player.liquidated"
	PayoutCredited = "liquidation.payout"
)

// Version is bumped when the payload shape changes incompatibly.
const Version = 1

// Event is one committed state change. Amounts are minor units.
type Event struct {
	ID        string    `json:"event_id"`
	Type      string    `json:"event_type"`
	Version   int       `json:"event_version"`
	Timestamp time.Time `json:"timestamp"`
	PlayerID  string    `json:"player_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	IPOID     string    `json:"ipo_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	TradeID   string    `json:"trade_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	Price     int64     `json:"price,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
}

// New returns an event of the given type stamped with a fresh id.
func New(eventType string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Version:   Version,
		Timestamp: at.UTC(),
	}
}

// Publisher delivers events. Publishing happens after commit, so a failure
// never rolls back the state change it describes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
