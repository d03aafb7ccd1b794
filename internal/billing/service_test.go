package billing

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/callbill/internal/bus"
	"github.com/opensource-finance/callbill/internal/cache"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/opensource-finance/callbill/internal/pricing"
	"github.com/opensource-finance/callbill/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const subscriber = "99988526423"

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "callbill.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func startRecord(id, callID int64, ts time.Time) *domain.CallRecord {
	return &domain.CallRecord{
		ID:          id,
		CallID:      callID,
		Type:        domain.RecordStart,
		Timestamp:   ts,
		Source:      subscriber,
		Destination: "9993468278",
	}
}

func endRecord(id, callID int64, ts time.Time) *domain.CallRecord {
	return &domain.CallRecord{ID: id, CallID: callID, Type: domain.RecordEnd, Timestamp: ts}
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSubmitRecordBillsCompletedCall(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, cache.NewLRUCache(100), nil, nil, Options{})
	ctx := context.Background()

	created, err := svc.SubmitRecord(ctx, startRecord(1, 70, at("2016-02-29T12:00:00Z")))
	require.NoError(t, err)
	assert.True(t, created)

	_, err = repo.GetBillRecordByCall(ctx, 70)
	assert.ErrorIs(t, err, repository.ErrNotFound, "half a call must not be billed")

	created, err = svc.SubmitRecord(ctx, endRecord(2, 70, at("2016-02-29T14:00:00Z")))
	require.NoError(t, err)
	assert.True(t, created)

	bill, err := repo.GetBillRecordByCall(ctx, 70)
	require.NoError(t, err)
	assert.Equal(t, "11.16", bill.Price.StringFixed(2))
}

func TestSubmitRecordEndFirst(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, nil, nil, nil, Options{})
	ctx := context.Background()

	_, err := svc.SubmitRecord(ctx, endRecord(2, 71, at("2017-12-12T22:10:56Z")))
	require.NoError(t, err)

	_, err = svc.SubmitRecord(ctx, startRecord(1, 71, at("2017-12-12T21:57:13Z")))
	require.NoError(t, err)

	bill, err := repo.GetBillRecordByCall(ctx, 71)
	require.NoError(t, err)
	// 13 whole minutes at the standard rate; crossing 22:00 does not matter.
	assert.Equal(t, "1.53", bill.Price.StringFixed(2))

	call, err := repo.GetCall(ctx, 71)
	require.NoError(t, err)
	assert.Equal(t, subscriber, call.Source)
}

func TestSubmitRecordOutOfOrder(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, nil, nil, nil, Options{})
	ctx := context.Background()

	_, err := svc.SubmitRecord(ctx, startRecord(1, 72, at("2018-02-28T21:57:13Z")))
	require.NoError(t, err)

	_, err = svc.SubmitRecord(ctx, endRecord(2, 72, at("2018-02-28T21:50:00Z")))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = repo.GetCallRecord(ctx, 2)
	assert.ErrorIs(t, err, repository.ErrNotFound, "rejected record must not be stored")

	_, err = svc.SubmitRecord(ctx, endRecord(2, 72, at("2018-02-28T22:10:00Z")))
	require.NoError(t, err)

	// Moving a start after its end is rejected too.
	_, err = svc.SubmitRecord(ctx, startRecord(3, 73, at("2018-02-28T23:00:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(4, 73, at("2018-02-28T23:05:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, startRecord(3, 73, at("2018-02-28T23:01:00Z")))
	assert.NoError(t, err, "moving a start within its call is accepted")
	_, err = svc.SubmitRecord(ctx, startRecord(3, 73, at("2018-02-28T23:06:00Z")))
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestBillCall(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	events := bus.NewChannelBus(10)
	defer events.Close()

	var mu sync.Mutex
	var published []domain.BillRecord
	var wg sync.WaitGroup
	wg.Add(1)

	_, err := events.Subscribe(ctx, domain.TopicBillCreated, func(ctx context.Context, msg *domain.Message) error {
		var b domain.BillRecord
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			return err
		}
		mu.Lock()
		published = append(published, b)
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	svc := NewService(repo, nil, events, nil, Options{Async: true})

	_, err = svc.SubmitRecord(ctx, startRecord(1, 80, at("2018-04-12T10:00:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(2, 80, at("2018-04-12T10:05:59Z")))
	require.NoError(t, err)

	_, err = repo.GetBillRecordByCall(ctx, 80)
	assert.ErrorIs(t, err, repository.ErrNotFound, "async service leaves billing to the worker")

	t.Run("CreatesOnce", func(t *testing.T) {
		bill, created, err := svc.BillCall(ctx, 80)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "0.81", bill.Price.StringFixed(2))

		again, created, err := svc.BillCall(ctx, 80)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, bill.ID, again.ID)
	})

	t.Run("PublishesBillCreated", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for bill.created")
		}

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, published, 1)
		assert.Equal(t, int64(80), published[0].CallID)
	})

	t.Run("IncompleteCall", func(t *testing.T) {
		_, err := svc.SubmitRecord(ctx, startRecord(3, 81, at("2018-04-12T11:00:00Z")))
		require.NoError(t, err)

		bill, created, err := svc.BillCall(ctx, 81)
		assert.NoError(t, err)
		assert.False(t, created)
		assert.Nil(t, bill)
	})

	t.Run("UnknownCall", func(t *testing.T) {
		_, _, err := svc.BillCall(ctx, 999)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestBillCallConfigurationGap(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	calc := pricing.NewCalculator(pricing.Table{pricing.Standard})
	svc := NewService(repo, nil, nil, calc, Options{Async: true})

	_, err := svc.SubmitRecord(ctx, startRecord(1, 90, at("2018-04-12T23:00:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(2, 90, at("2018-04-12T23:10:00Z")))
	require.NoError(t, err)

	_, _, err = svc.BillCall(ctx, 90)
	assert.ErrorIs(t, err, pricing.ErrConfigurationGap)

	_, err = repo.GetBillRecordByCall(ctx, 90)
	assert.ErrorIs(t, err, repository.ErrNotFound, "failed pricing must not store a bill")
}

func TestBillingLocation(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	// 00:30 UTC is 21:30 three hours west, inside the standard window.
	loc := time.FixedZone("UTC-3", -3*60*60)
	svc := NewService(repo, nil, nil, nil, Options{Location: loc})
	assert.Equal(t, loc, svc.Location())

	_, err := svc.SubmitRecord(ctx, startRecord(1, 100, at("2018-03-01T00:30:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(2, 100, at("2018-03-01T00:40:00Z")))
	require.NoError(t, err)

	bill, err := repo.GetBillRecordByCall(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "1.26", bill.Price.StringFixed(2))

	// The call ended on 28 February local time.
	feb := domain.Period{Year: 2018, Month: time.February}
	result, err := svc.SearchBill(ctx, subscriber, &feb)
	require.NoError(t, err)
	assert.Len(t, result.Lines, 1)
}

func TestSearchBill(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	lru := cache.NewLRUCache(100)

	now := at("2018-01-15T09:00:00Z")
	svc := NewService(repo, lru, nil, nil, Options{Clock: func() time.Time { return now }})

	_, err := svc.SubmitRecord(ctx, startRecord(1, 70, at("2017-12-12T15:07:13Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(2, 70, at("2017-12-12T15:14:56Z")))
	require.NoError(t, err)

	t.Run("DefaultsToPreviousMonth", func(t *testing.T) {
		bill, err := svc.SearchBill(ctx, subscriber, nil)
		require.NoError(t, err)

		assert.Equal(t, domain.Period{Year: 2017, Month: time.December}, bill.Period)
		require.Len(t, bill.Lines, 1)
		assert.Equal(t, "9993468278", bill.Lines[0].Destination)
		assert.Equal(t, "0.99", bill.Lines[0].Price.StringFixed(2))
		assert.Equal(t, 7*time.Minute+43*time.Second, bill.Lines[0].Duration())
	})

	t.Run("ServesFromCache", func(t *testing.T) {
		raw, err := lru.Get(ctx, BillCacheKey(subscriber, domain.Period{Year: 2017, Month: time.December}))
		require.NoError(t, err)
		assert.NotNil(t, raw)
	})

	t.Run("NewBillInvalidatesCache", func(t *testing.T) {
		_, err := svc.SubmitRecord(ctx, startRecord(3, 71, at("2017-12-13T21:57:13Z")))
		require.NoError(t, err)
		_, err = svc.SubmitRecord(ctx, endRecord(4, 71, at("2017-12-13T22:10:56Z")))
		require.NoError(t, err)

		bill, err := svc.SearchBill(ctx, subscriber, nil)
		require.NoError(t, err)
		require.Len(t, bill.Lines, 2)
		assert.Equal(t, int64(70), bill.Lines[0].CallID)
		assert.Equal(t, int64(71), bill.Lines[1].CallID)
	})

	t.Run("OtherPeriodIsEmpty", func(t *testing.T) {
		nov := domain.Period{Year: 2017, Month: time.November}
		bill, err := svc.SearchBill(ctx, subscriber, &nov)
		require.NoError(t, err)
		assert.NotNil(t, bill.Lines)
		assert.Empty(t, bill.Lines)
	})

	t.Run("OtherSubscriberIsEmpty", func(t *testing.T) {
		bill, err := svc.SearchBill(ctx, "99988526400", nil)
		require.NoError(t, err)
		assert.Empty(t, bill.Lines)
	})
}

func TestBillCallConcurrent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	svc := NewService(repo, nil, nil, nil, Options{Async: true})

	_, err := svc.SubmitRecord(ctx, startRecord(1, 110, at("2018-04-12T10:00:00Z")))
	require.NoError(t, err)
	_, err = svc.SubmitRecord(ctx, endRecord(2, 110, at("2018-04-12T10:01:00Z")))
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	ids := map[string]bool{}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bill, created, err := svc.BillCall(ctx, 110)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				createdCount++
			}
			ids[bill.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Len(t, ids, 1)
}

// lateStartRepo stores a conflicting start record right before the end
// record it wraps is written, as a concurrent request would.
type lateStartRepo struct {
	domain.Repository
	once  sync.Once
	start *domain.CallRecord
}

func (r *lateStartRepo) SaveCallRecord(ctx context.Context, rec *domain.CallRecord) (bool, error) {
	if rec.Type == domain.RecordEnd {
		var err error
		r.once.Do(func() { _, err = r.Repository.SaveCallRecord(ctx, r.start) })
		if err != nil {
			return false, err
		}
	}
	return r.Repository.SaveCallRecord(ctx, rec)
}

func TestSubmitRecordOrderCheckedAtWrite(t *testing.T) {
	inner := newRepo(t)
	repo := &lateStartRepo{Repository: inner, start: startRecord(1, 74, at("2018-03-01T13:00:00Z"))}
	svc := NewService(repo, nil, nil, nil, Options{})
	ctx := context.Background()

	_, err := svc.SubmitRecord(ctx, endRecord(2, 74, at("2018-03-01T12:00:00Z")))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = inner.GetCallRecord(ctx, 2)
	assert.ErrorIs(t, err, repository.ErrNotFound, "end before the stored start must not be saved")

	_, err = inner.GetBillRecordByCall(ctx, 74)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// billingDuringReadRepo completes a call after the first bill search has
// read its lines but before that search caches them.
type billingDuringReadRepo struct {
	domain.Repository
	once   sync.Once
	during func()
}

func (r *billingDuringReadRepo) ListBillLines(ctx context.Context, subscriber string, from, to time.Time) ([]domain.BillLine, error) {
	lines, err := r.Repository.ListBillLines(ctx, subscriber, from, to)
	r.once.Do(r.during)
	return lines, err
}

func TestSearchBillSkipsCacheWriteAfterInvalidation(t *testing.T) {
	repo := &billingDuringReadRepo{Repository: newRepo(t)}
	lru := cache.NewLRUCache(100)
	ctx := context.Background()

	now := at("2018-01-15T09:00:00Z")
	svc := NewService(repo, lru, nil, nil, Options{Clock: func() time.Time { return now }})

	_, err := svc.SubmitRecord(ctx, startRecord(1, 80, at("2017-12-12T15:07:13Z")))
	require.NoError(t, err)

	repo.during = func() {
		_, err := svc.SubmitRecord(ctx, endRecord(2, 80, at("2017-12-12T15:14:56Z")))
		require.NoError(t, err)
	}

	bill, err := svc.SearchBill(ctx, subscriber, nil)
	require.NoError(t, err)
	assert.Empty(t, bill.Lines, "lines were read before the call was billed")

	raw, err := lru.Get(ctx, BillCacheKey(subscriber, domain.Period{Year: 2017, Month: time.December}))
	require.NoError(t, err)
	assert.Nil(t, raw, "a search that raced a new bill must not be cached")

	bill, err = svc.SearchBill(ctx, subscriber, nil)
	require.NoError(t, err)
	require.Len(t, bill.Lines, 1)
	assert.Equal(t, int64(80), bill.Lines[0].CallID)
}
