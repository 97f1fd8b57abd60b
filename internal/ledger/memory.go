package ledger

import (
	"context"
	"sync"
	"time"

	"stock_reservation/internal/model"

	"github.com/google/uuid"
)

// MemoryLedger 进程内账本：StockRecord 按 productID 组成 arena，每条记录自带锁，
// 不同商品的操作可以并行。
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*stockEntry

	tokensMu sync.Mutex
	tokens   map[string]Token // 未结算的 token

	now func() time.Time
}

type stockEntry struct {
	mu  sync.Mutex
	rec model.StockRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*stockEntry),
		tokens:  make(map[string]Token),
		now:     time.Now,
	}
}

func (l *MemoryLedger) entry(productID string) (*stockEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.records[productID]
	return e, ok
}

func (l *MemoryLedger) TryReserve(_ context.Context, productID string, quantity int64) (Token, error) {
	if quantity <= 0 {
		return Token{}, ErrInvalidQuantity
	}
	e, ok := l.entry(productID)
	if !ok {
		return Token{}, ErrUnknownProduct
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Available < quantity {
		return Token{}, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: e.rec.Available}
	}
	e.rec.Available -= quantity
	e.rec.Reserved += quantity
	e.rec.UpdatedAt = l.now()

	tok := Token{ID: uuid.New().String(), ProductID: productID, Quantity: quantity}
	l.tokensMu.Lock()
	l.tokens[tok.ID] = tok
	l.tokensMu.Unlock()
	return tok, nil
}

func (l *MemoryLedger) Confirm(_ context.Context, token Token) error {
	return l.settle(token, func(r *model.StockRecord, q int64) {
		r.Reserved -= q
		r.Sold += q
	})
}

func (l *MemoryLedger) Release(_ context.Context, token Token) error {
	return l.settle(token, func(r *model.StockRecord, q int64) {
		r.Reserved -= q
		r.Available += q
	})
}

// settle 在商品锁内消费 token，保证同一 token 只结算一次。
func (l *MemoryLedger) settle(token Token, apply func(*model.StockRecord, int64)) error {
	e, ok := l.entry(token.ProductID)
	if !ok {
		return ErrUnknownToken
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	l.tokensMu.Lock()
	held, ok := l.tokens[token.ID]
	if ok {
		delete(l.tokens, token.ID)
	}
	l.tokensMu.Unlock()
	if !ok || held.ProductID != token.ProductID {
		return ErrUnknownToken
	}

	apply(&e.rec, held.Quantity)
	e.rec.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) Restock(_ context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	e, ok := l.entry(productID)
	if !ok {
		l.mu.Lock()
		if e, ok = l.records[productID]; !ok {
			e = &stockEntry{rec: model.StockRecord{ProductID: productID}}
			l.records[productID] = e
		}
		l.mu.Unlock()
	}

	e.mu.Lock()
	e.rec.Available += quantity
	e.rec.UpdatedAt = l.now()
	e.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, productID string) (model.StockRecord, error) {
	e, ok := l.entry(productID)
	if !ok {
		return model.StockRecord{}, ErrUnknownProduct
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}
