package reservation

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock_reservation/internal/compensation"
	"stock_reservation/internal/ledger"
	"stock_reservation/internal/model"
	"stock_reservation/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// failingLog 在 failAfter 次成功写入后开始失败。
type failingLog struct {
	*compensation.MemoryLog
	failAfter int
	writes    atomic.Int64
	healed    atomic.Bool
}

func (f *failingLog) Append(ctx context.Context, e *model.CompensationEntry) error {
	if int(f.writes.Add(1)) > f.failAfter && !f.healed.Load() {
		return errors.New("disk full")
	}
	return f.MemoryLog.Append(ctx, e)
}

func (f *failingLog) Replay(ctx context.Context, from time.Time) iter.Seq2[model.CompensationEntry, error] {
	return f.MemoryLog.Replay(ctx, from)
}

type fixture struct {
	ledger *ledger.MemoryLedger
	log    *compensation.MemoryLog
	clock  *testClock
	pub    *recordingPublisher
	mgr    *Manager
}

func setupManager(t *testing.T, stock map[string]int64) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.NewMemoryLedger(),
		log:    compensation.NewMemoryLog(),
		clock:  newTestClock(),
		pub:    &recordingPublisher{},
	}
	for p, q := range stock {
		require.NoError(t, f.ledger.Restock(context.Background(), p, q))
	}
	f.mgr = NewManager(f.ledger, f.log, Options{Publisher: f.pub, Now: f.clock.Now})
	return f
}

func (f *fixture) record(t *testing.T, productID string) model.StockRecord {
	t.Helper()
	rec, err := f.ledger.Snapshot(context.Background(), productID)
	require.NoError(t, err)
	return rec
}

func TestReserveLine_CreatesPendingReservation(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()

	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 4, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, model.ReservationPending, r.State)
	assert.Equal(t, f.clock.Now().Add(time.Minute), r.ExpiresAt)

	rec := f.record(t, "P")
	assert.Equal(t, int64(6), rec.Available)
	assert.Equal(t, int64(4), rec.Reserved)

	require.Equal(t, 1, f.log.Len())
	for e := range f.log.Replay(ctx, time.Time{}) {
		assert.Equal(t, model.ActionReserve, e.Action)
		assert.Equal(t, r.ID, e.ReservationID)
		assert.Equal(t, int64(4), e.QuantityDelta)
		assert.Equal(t, r.ExpiresAt, e.ExpiresAt)
	}
	assert.Equal(t, []string{queue.EventReservationCreated}, f.pub.types())
}

func TestReserveLine_InsufficientStock(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 2})

	_, err := f.mgr.ReserveLine(context.Background(), "o1", "P", 3, time.Minute)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, 0, f.log.Len())
	assert.Equal(t, int64(2), f.record(t, "P").Available)
}

func TestReserveLine_RejectsBadTTL(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 2})
	_, err := f.mgr.ReserveLine(context.Background(), "o1", "P", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestReserveLine_LogFailureReturnsStock(t *testing.T) {
	l := ledger.NewMemoryLedger()
	require.NoError(t, l.Restock(context.Background(), "P", 5))
	mgr := NewManager(l, &failingLog{MemoryLog: compensation.NewMemoryLog()}, Options{})

	_, err := mgr.ReserveLine(context.Background(), "o1", "P", 3, time.Minute)
	require.ErrorIs(t, err, compensation.ErrWriteFailed)

	rec, err := l.Snapshot(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Empty(t, mgr.reservations)
}

func setupFailingManager(t *testing.T, stock int64) (*fixture, *failingLog) {
	t.Helper()
	f := setupManager(t, map[string]int64{"P": stock})
	flog := &failingLog{MemoryLog: f.log, failAfter: 1}
	f.mgr = NewManager(f.ledger, flog, Options{Publisher: f.pub, Now: f.clock.Now})
	return f, flog
}

func TestConfirmLine_LogFailureKeepsPending(t *testing.T) {
	f, flog := setupFailingManager(t, 10)
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 4, time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), compensation.ErrWriteFailed)
	got, _ := f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationPending, got.State)
	assert.Equal(t, []string{queue.EventReservationCreated}, f.pub.types())

	// 日志恢复后重试只补写日志，sold 不会翻倍
	flog.healed.Store(true)
	require.NoError(t, f.mgr.ConfirmLine(ctx, r.ID))
	got, _ = f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationConfirmed, got.State)
	assert.Equal(t, []string{queue.EventReservationCreated, queue.EventReservationConfirmed}, f.pub.types())
	rec := f.record(t, "P")
	assert.Equal(t, int64(4), rec.Sold)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, 2, f.log.Len())
	assert.ErrorIs(t, f.mgr.ReleaseLine(ctx, r.ID), ErrAlreadyTerminal)

	// 重启后回放得到 confirmed，清扫不会把它改成过期
	restarted := NewManager(f.ledger, f.log, Options{Now: f.clock.Now})
	_, err = restarted.Recover(ctx, time.Time{})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	n, err := restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ = restarted.Get(r.ID)
	assert.Equal(t, model.ReservationConfirmed, got.State)
}

func TestReleaseLine_LogFailureKeepsPending(t *testing.T) {
	f, flog := setupFailingManager(t, 10)
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 4, time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, f.mgr.ReleaseLine(ctx, r.ID), compensation.ErrWriteFailed)
	got, _ := f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationPending, got.State)
	assert.Equal(t, []string{queue.EventReservationCreated}, f.pub.types())

	// 库存已经归还，确认只能失败，且不会动账本
	flog.healed.Store(true)
	assert.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), ErrAlreadyTerminal)
	got, _ = f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationReleased, got.State)
	require.NoError(t, f.mgr.ReleaseLine(ctx, r.ID))

	rec := f.record(t, "P")
	assert.Equal(t, int64(10), rec.Available)
	assert.Equal(t, int64(0), rec.Sold)
	assert.Equal(t, 2, f.log.Len())
	assert.Equal(t, []string{queue.EventReservationCreated, queue.EventReservationReleased}, f.pub.types())
}

func TestSweep_CompletesUnauditedConfirm(t *testing.T) {
	f, flog := setupFailingManager(t, 10)
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 3, time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), compensation.ErrWriteFailed)

	flog.healed.Store(true)
	f.clock.Advance(2 * time.Second)
	n, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationConfirmed, got.State)
	rec := f.record(t, "P")
	assert.Equal(t, int64(3), rec.Sold)
	assert.Equal(t, int64(7), rec.Available)
}

func TestConfirmLine_ScenarioFullStock(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()

	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 10, time.Minute)
	require.NoError(t, err)

	_, err = f.mgr.ReserveLine(ctx, "o2", "P", 1, time.Minute)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	require.NoError(t, f.mgr.ConfirmLine(ctx, r.ID))
	rec := f.record(t, "P")
	assert.Equal(t, int64(0), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, int64(10), rec.Sold)

	got, ok := f.mgr.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReservationConfirmed, got.State)
}

func TestConfirmLine_TwiceIsAlreadyTerminal(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 3, time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.mgr.ConfirmLine(ctx, r.ID))
	assert.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), ErrAlreadyTerminal)

	rec := f.record(t, "P")
	assert.Equal(t, int64(3), rec.Sold)
	assert.Equal(t, int64(7), rec.Available)
}

func TestReleaseLine_Idempotent(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 3, time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.mgr.ReleaseLine(ctx, r.ID))
	require.NoError(t, f.mgr.ReleaseLine(ctx, r.ID))

	rec := f.record(t, "P")
	assert.Equal(t, int64(10), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, 2, f.log.Len(), "second release must not log")

	assert.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), ErrAlreadyTerminal)
}

func TestReleaseLine_AfterConfirmFails(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 3, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.mgr.ConfirmLine(ctx, r.ID))

	assert.ErrorIs(t, f.mgr.ReleaseLine(ctx, r.ID), ErrAlreadyTerminal)
	assert.Equal(t, int64(3), f.record(t, "P").Sold)
}

func TestUnknownReservation(t *testing.T) {
	f := setupManager(t, nil)
	assert.ErrorIs(t, f.mgr.ConfirmLine(context.Background(), "nope"), ErrNotFound)
	assert.ErrorIs(t, f.mgr.ReleaseLine(context.Background(), "nope"), ErrNotFound)
}

func TestConfirmLine_PastExpiryReleasesStock(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 5})
	ctx := context.Background()
	r, err := f.mgr.ReserveLine(ctx, "o1", "P", 5, time.Second)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	require.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), ErrExpired)

	got, _ := f.mgr.Get(r.ID)
	assert.Equal(t, model.ReservationExpired, got.State)
	rec := f.record(t, "P")
	assert.Equal(t, int64(5), rec.Available)
	assert.Equal(t, int64(0), rec.Sold)

	// 再次确认仍然是 Expired
	assert.ErrorIs(t, f.mgr.ConfirmLine(ctx, r.ID), ErrExpired)
}

func TestSweep_ExpiresStaleReservations(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 5, "Q": 5})
	ctx := context.Background()

	stale, err := f.mgr.ReserveLine(ctx, "o1", "P", 2, time.Second)
	require.NoError(t, err)
	fresh, err := f.mgr.ReserveLine(ctx, "o2", "Q", 2, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	n, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.mgr.Get(stale.ID)
	assert.Equal(t, model.ReservationExpired, got.State)
	got, _ = f.mgr.Get(fresh.ID)
	assert.Equal(t, model.ReservationPending, got.State)
	assert.Equal(t, int64(5), f.record(t, "P").Available)

	assert.ErrorIs(t, f.mgr.ConfirmLine(ctx, stale.ID), ErrExpired)
	assert.NoError(t, f.mgr.ReleaseLine(ctx, stale.ID))
	assert.Contains(t, f.pub.types(), queue.EventReservationExpired)

	n, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfirmAndReleaseRace_ExactlyOneWins(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 100})
	ctx := context.Background()

	ids := make([]string, 50)
	for i := range ids {
		r, err := f.mgr.ReserveLine(ctx, "o", "P", 2, time.Minute)
		require.NoError(t, err)
		ids[i] = r.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			_ = f.mgr.ConfirmLine(ctx, id)
		}(id)
		go func(id string) {
			defer wg.Done()
			_ = f.mgr.ReleaseLine(ctx, id)
		}(id)
	}
	wg.Wait()

	var confirmed int64
	for _, id := range ids {
		r, _ := f.mgr.Get(id)
		require.True(t, r.State == model.ReservationConfirmed || r.State == model.ReservationReleased)
		if r.State == model.ReservationConfirmed {
			confirmed += r.Quantity
		}
	}
	rec := f.record(t, "P")
	assert.Equal(t, confirmed, rec.Sold)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, int64(100), rec.Total())
}

func TestRecover_RebuildsStateIdempotently(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 10})
	ctx := context.Background()

	a, err := f.mgr.ReserveLine(ctx, "o1", "P", 1, time.Minute)
	require.NoError(t, err)
	b, err := f.mgr.ReserveLine(ctx, "o1", "P", 2, time.Minute)
	require.NoError(t, err)
	c, err := f.mgr.ReserveLine(ctx, "o2", "P", 3, time.Second)
	require.NoError(t, err)
	d, err := f.mgr.ReserveLine(ctx, "o3", "P", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.mgr.ConfirmLine(ctx, a.ID))
	require.NoError(t, f.mgr.ReleaseLine(ctx, b.ID))
	f.clock.Advance(2 * time.Second)
	_, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)

	// 新进程：同一账本、同一日志
	restarted := NewManager(f.ledger, f.log, Options{Now: f.clock.Now})
	n, err := restarted.Recover(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, want := range []struct {
		id    string
		state model.ReservationState
	}{
		{a.ID, model.ReservationConfirmed},
		{b.ID, model.ReservationReleased},
		{c.ID, model.ReservationExpired},
		{d.ID, model.ReservationPending},
	} {
		got, ok := restarted.Get(want.id)
		require.True(t, ok)
		assert.Equal(t, want.state, got.State, want.id)
	}

	n, err = restarted.Recover(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// 恢复出来的 pending 预占可以继续确认
	require.NoError(t, restarted.ConfirmLine(ctx, d.ID))
	assert.Equal(t, int64(2), f.record(t, "P").Sold)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := setupManager(t, map[string]int64{"P": 1})
	_, err := f.mgr.ReserveLine(context.Background(), "o1", "P", 1, time.Millisecond)
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rec, err := f.ledger.Snapshot(context.Background(), "P")
		return err == nil && rec.Available == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
