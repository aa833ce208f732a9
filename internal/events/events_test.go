package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaPublisher_SendsJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != TradeExecuted || e.PlayerID != "p1" || e.Quantity != 3 || e.Price != 500 {
			return fmt.Errorf("unexpected payload %+v", e)
		}
		return nil
	})

	pub := newKafkaPublisher(producer, "dpc.trade-events", nil)
	defer pub.Close()

	e := New(TradeExecuted, time.Now())
	e.PlayerID, e.Quantity, e.Price = "p1", 3, 500
	if err := pub.Publish(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKafkaPublisher_ReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := newKafkaPublisher(producer, "dpc.trade-events", nil)
	defer pub.Close()

	err := pub.Publish(context.Background(), New(IPOSoldOut, time.Now()))
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := newKafkaPublisher(producer, "dpc.trade-events", nil)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, New(OrderFilled, time.Now())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}

	err := Multi{a, nil, b}.Publish(context.Background(), New(OrderPlaced, time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined boom, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both publishers to receive the event")
	}
}
