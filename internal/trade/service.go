// Package trade implements the share issuance, trading and ledger core:
// the IPO allocation engine, the secondary order book with price-time
// matching, trade settlement, and the HTTP boundary over them.
//
// All monetary values are int64 minor units. Every mutation runs inside one
// serializable store transaction; preconditions are re-validated inside the
// transaction that performs the write.
package trade

import (
	"context"
	"log/slog"
	"time"

	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/metrics"
	"github.com/fanshare/dpc-exchange/internal/model"
	"github.com/fanshare/dpc-exchange/internal/store"
)

// DefaultStoreTimeout bounds each store transaction.
const DefaultStoreTimeout = 5 * time.Second

// Service is the trading core. It holds no in-process locks; the store's
// transaction isolation is the only concurrency primitive.
type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the post-commit event sink.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStoreTimeout bounds each store transaction. On expiry the operation
// fails with ErrOutcomeUnknown.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a new trade service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		timeout:   DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn in one bounded store transaction and maps store failures
// onto the service error taxonomy.
func (s *Service) inTx(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return translate(s.store.InTx(ctx, fn))
}

// read bounds a non-transactional store read.
func read[T any](ctx context.Context, s *Service, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := fn(ctx)
	return v, translate(err)
}

// publish delivers events after commit. Failures are logged only: the
// state change they describe has already happened.
func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range evs {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.Warn("event publish failed", "event_type", e.Type, "event_id", e.ID, "err", err)
		}
	}
}

// reject records a failed operation and returns err unchanged.
func (s *Service) reject(op string, err error, attrs ...any) error {
	reason := Reason(err)
	metrics.Rejections.WithLabelValues(op, reason).Inc()
	attrs = append(attrs, "op", op, "reason", reason, "err", err)
	if isPrecondition(err) {
		s.logger.Debug("operation rejected", attrs...)
	} else {
		s.logger.Error("operation failed", attrs...)
	}
	return err
}

// recordSettlement updates settlement metrics after commit.
func recordSettlement(source string, r *model.TradeReceipt, start time.Time) {
	metrics.TradesTotal.WithLabelValues(source).Inc()
	metrics.SharesTraded.WithLabelValues(source).Add(float64(r.Quantity))
	metrics.SettlementLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	metrics.FeesCollected.WithLabelValues(model.AccountPlatform).Add(float64(r.PlatformFee))
	metrics.FeesCollected.WithLabelValues(model.AccountClub).Add(float64(r.ClubFee))
	metrics.FeesCollected.WithLabelValues(model.AccountPool).Add(float64(r.PoolFee))
}

// claimKey claims an optional idempotency key inside tx.
func claimKey(ctx context.Context, tx store.Tx, userID, key string) error {
	if key == "" {
		return nil
	}
	ok, err := tx.ClaimIdempotencyKey(ctx, userID, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}
