// Package ledgertest 提供所有 Ledger 实现共用的一致性测试。
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"stock_reservation/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run 对 newLedger 返回的实现执行完整的契约测试，每个子测试拿到一个全新的 Ledger。
func Run(t *testing.T, newLedger func(t *testing.T) ledger.Ledger) {
	t.Run("ReserveAllThenConfirm", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 10))

		tok, err := l.TryReserve(ctx, "P", 10)
		require.NoError(t, err)
		assert.NotEmpty(t, tok.ID)
		assertRecord(t, l, "P", 0, 10, 0)

		_, err = l.TryReserve(ctx, "P", 1)
		require.ErrorIs(t, err, ledger.ErrInsufficientStock)
		var ise *ledger.InsufficientStockError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, "P", ise.ProductID)
		assert.Equal(t, int64(1), ise.Requested)
		assert.Equal(t, int64(0), ise.Available)

		require.NoError(t, l.Confirm(ctx, tok))
		assertRecord(t, l, "P", 0, 0, 10)
	})

	t.Run("InsufficientStockLeavesRecordUntouched", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 3))

		_, err := l.TryReserve(ctx, "P", 4)
		require.ErrorIs(t, err, ledger.ErrInsufficientStock)
		assertRecord(t, l, "P", 3, 0, 0)
	})

	t.Run("ReleaseReturnsStock", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 5))

		tok, err := l.TryReserve(ctx, "P", 2)
		require.NoError(t, err)
		assertRecord(t, l, "P", 3, 2, 0)

		require.NoError(t, l.Release(ctx, tok))
		assertRecord(t, l, "P", 5, 0, 0)
	})

	t.Run("SettleIsOneShot", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 5))

		tok, err := l.TryReserve(ctx, "P", 2)
		require.NoError(t, err)
		require.NoError(t, l.Confirm(ctx, tok))

		assert.ErrorIs(t, l.Confirm(ctx, tok), ledger.ErrUnknownToken)
		assert.ErrorIs(t, l.Release(ctx, tok), ledger.ErrUnknownToken)
		assertRecord(t, l, "P", 3, 0, 2)

		tok2, err := l.TryReserve(ctx, "P", 1)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, tok2))
		assert.ErrorIs(t, l.Release(ctx, tok2), ledger.ErrUnknownToken)
		assert.ErrorIs(t, l.Confirm(ctx, tok2), ledger.ErrUnknownToken)
		assertRecord(t, l, "P", 3, 0, 2)
	})

	t.Run("ForgedTokenRejected", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 5))

		err := l.Confirm(ctx, ledger.Token{ID: "nope", ProductID: "P", Quantity: 5})
		assert.ErrorIs(t, err, ledger.ErrUnknownToken)
		assertRecord(t, l, "P", 5, 0, 0)
	})

	t.Run("UnknownProductAndBadQuantity", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		_, err := l.TryReserve(ctx, "missing", 1)
		assert.ErrorIs(t, err, ledger.ErrUnknownProduct)
		_, err = l.Snapshot(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrUnknownProduct)

		require.NoError(t, l.Restock(ctx, "P", 1))
		_, err = l.TryReserve(ctx, "P", 0)
		assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
		assert.ErrorIs(t, l.Restock(ctx, "P", -1), ledger.ErrInvalidQuantity)
	})

	t.Run("RestockAccumulates", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		require.NoError(t, l.Restock(ctx, "P", 2))
		tok, err := l.TryReserve(ctx, "P", 2)
		require.NoError(t, err)
		require.NoError(t, l.Confirm(ctx, tok))
		require.NoError(t, l.Restock(ctx, "P", 1))
		assertRecord(t, l, "P", 1, 0, 2)
	})

	t.Run("ConcurrentReserveNeverOversells", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		const stock, workers = 20, 50
		require.NoError(t, l.Restock(ctx, "P", stock))

		var ok atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.TryReserve(ctx, "P", 1); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(stock), ok.Load())
		assertRecord(t, l, "P", 0, stock, 0)
	})
}

func assertRecord(t *testing.T, l ledger.Ledger, productID string, available, reserved, sold int64) {
	t.Helper()
	rec, err := l.Snapshot(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, available, rec.Available, "available")
	assert.Equal(t, reserved, rec.Reserved, "reserved")
	assert.Equal(t, sold, rec.Sold, "sold")
}
