package order

import (
	"context"
	"sort"
	"sync"

	"stock_reservation/internal/model"
)

// Store 订单聚合的持久化端口，要求进程内读己之写。
type Store interface {
	Save(ctx context.Context, o *model.Order) error
	Get(ctx context.Context, id string) (*model.Order, error)
	// NeedsReconciliation 按创建时间返回部分确认失败、待人工对账的订单。
	NeedsReconciliation(ctx context.Context) ([]*model.Order, error)
}

// MemoryStore 进程内实现，读写都做深拷贝。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*model.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*model.Order)}
}

func (s *MemoryStore) Save(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) NeedsReconciliation(_ context.Context) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.NeedsReconciliation {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func clone(o *model.Order) *model.Order {
	c := *o
	c.Lines = append([]model.OrderLine(nil), o.Lines...)
	c.AppliedReturns = append([]string(nil), o.AppliedReturns...)
	return &c
}
