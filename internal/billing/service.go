// Package billing derives per-call bills from call records and serves
// subscriber bill searches.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callbill/internal/cache"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/opensource-finance/callbill/internal/pricing"
	"github.com/opensource-finance/callbill/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrOutOfOrder is returned when a start record is later than its end
// record, or the other way round. The repository enforces it inside the
// write that stores the record.
var ErrOutOfOrder = repository.ErrOutOfOrder

// TracerName is the instrumentation scope of billing spans.
const TracerName = "callbill-billing"

// Options tunes a Service.
type Options struct {
	// Location is where tariff windows and billing periods are evaluated.
	// Defaults to UTC.
	Location *time.Location

	// Async leaves bill derivation to a worker listening on the bus.
	Async bool

	// CacheTTL bounds how long a bill search stays cached.
	CacheTTL time.Duration

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Service ties call records, the pricing core and bill storage together.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	calc     *pricing.Calculator
	loc      *time.Location
	async    bool
	cacheTTL time.Duration
	now      func() time.Time

	// cacheMu orders bill cache writes against invalidations; cacheGen
	// counts invalidations so a search that raced one skips its write.
	cacheMu  sync.Mutex
	cacheGen uint64
}

// NewService creates a billing service. cache and bus may be nil.
func NewService(repo domain.Repository, c domain.Cache, bus domain.EventBus, calc *pricing.Calculator, opts Options) *Service {
	if calc == nil {
		calc = pricing.NewCalculator(pricing.DefaultTable)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		repo:     repo,
		cache:    c,
		bus:      bus,
		calc:     calc,
		loc:      opts.Location,
		async:    opts.Async,
		cacheTTL: opts.CacheTTL,
		now:      opts.Clock,
	}
}

// Location returns the billing time zone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// RecordEvent is published on TopicCallRecordSaved.
type RecordEvent struct {
	RecordID  int64             `json:"record_id"`
	CallID    int64             `json:"call_id"`
	Type      domain.RecordType `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Created   bool              `json:"created"`
}

// SubmitRecord stores a start or end record. When the record completes a
// call and billing runs synchronously, the call is billed before returning.
// A billing failure is logged; it never undoes the stored record.
func (s *Service) SubmitRecord(ctx context.Context, rec *domain.CallRecord) (bool, error) {
	created, err := s.repo.SaveCallRecord(ctx, rec)
	if err != nil {
		return false, err
	}

	s.publish(ctx, domain.TopicCallRecordSaved, RecordEvent{
		RecordID:  rec.ID,
		CallID:    rec.CallID,
		Type:      rec.Type,
		Timestamp: rec.Timestamp.Unix(),
		Created:   created,
	})

	if !s.async {
		if _, _, err := s.BillCall(ctx, rec.CallID); err != nil {
			slog.Error("failed to bill call",
				"call_id", rec.CallID,
				"record_id", rec.ID,
				"error", err,
			)
		}
	}

	return created, nil
}

// BillCall prices a completed call and stores its bill. It returns the
// bill and whether this call created it. A call still missing its start or
// end yields a nil bill and no error. Calling it again for a billed call
// returns the stored bill.
func (s *Service) BillCall(ctx context.Context, callID int64) (*domain.BillRecord, bool, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "billing.BillCall",
		trace.WithAttributes(attribute.Int64("call.id", callID)),
	)
	defer span.End()

	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	if !call.Complete() {
		return nil, false, nil
	}

	existing, err := s.repo.GetBillRecordByCall(ctx, callID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	price, err := s.calc.CallCharge(call.StartedAt.In(s.loc), call.EndedAt.In(s.loc))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pricing failed")
		return nil, false, fmt.Errorf("failed to price call %d: %w", callID, err)
	}

	bill := &domain.BillRecord{
		ID:        uuid.New().String(),
		CallID:    callID,
		Price:     price,
		CreatedAt: s.now().UTC(),
	}

	created, err := s.repo.SaveBillRecord(ctx, bill)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save bill of call %d: %w", callID, err)
	}
	if !created {
		// Another node billed the call first.
		existing, err := s.repo.GetBillRecordByCall(ctx, callID)
		return existing, false, err
	}

	span.SetAttributes(attribute.String("bill.price", price.StringFixed(pricing.ChargePlaces)))

	s.invalidate(ctx, call.Source, domain.PeriodOf(call.EndedAt.In(s.loc)))
	s.publish(ctx, domain.TopicBillCreated, bill)

	slog.Info("call billed",
		"call_id", callID,
		"bill_id", bill.ID,
		"price", price.StringFixed(pricing.ChargePlaces),
	)

	return bill, true, nil
}

// SearchBill returns the bill of subscriber for period. A nil period means
// the month before the current one in the billing location.
func (s *Service) SearchBill(ctx context.Context, subscriber string, period *domain.Period) (*domain.Bill, error) {
	p := domain.PreviousPeriod(s.now().In(s.loc))
	if period != nil {
		p = *period
	}

	key := BillCacheKey(subscriber, p)
	if s.cache != nil {
		var cached domain.Bill
		ok, err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err != nil {
			slog.Warn("bill cache read failed", "key", key, "error", err)
		} else if ok {
			return &cached, nil
		}
	}

	gen := s.cacheGeneration()

	from, to := p.Bounds(s.loc)
	lines, err := s.repo.ListBillLines(ctx, subscriber, from, to)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []domain.BillLine{}
	}

	bill := &domain.Bill{
		Subscriber: subscriber,
		Period:     p,
		Lines:      lines,
	}

	s.storeBill(ctx, key, bill, gen)

	return bill, nil
}

func (s *Service) cacheGeneration() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheGen
}

// storeBill caches bill unless a bill was created since gen was read, in
// which case bill may already be stale.
func (s *Service) storeBill(ctx context.Context, key string, bill *domain.Bill, gen uint64) {
	if s.cache == nil {
		return
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.cacheGen != gen {
		slog.Debug("bill cache write skipped", "key", key)
		return
	}
	if err := cache.SetJSON(ctx, s.cache, key, bill, s.cacheTTL); err != nil {
		slog.Warn("bill cache write failed", "key", key, "error", err)
	}
}

// BillCacheKey is the cache key of a subscriber's bill in a period.
func BillCacheKey(subscriber string, p domain.Period) string {
	return "bills:" + subscriber + ":" + p.Key()
}

func (s *Service) invalidate(ctx context.Context, subscriber string, p domain.Period) {
	if s.cache == nil {
		return
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++

	key := BillCacheKey(subscriber, p)
	if err := s.cache.Delete(ctx, key); err != nil {
		slog.Warn("bill cache invalidation failed", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}

	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
