//
// Copyright 2023 Bytedance Ltd. and/or its affiliates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/inventory"
	"github.com/bytedance/tradecore/store/mem"
	sqlstore "github.com/bytedance/tradecore/store/sql"
	"github.com/bytedance/tradecore/testsuit"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// syncBus 同步投递并记录事件
type syncBus struct {
	mu     sync.Mutex
	events []*tradecore.DomainEvent
	cb     tradecore.DomainEventHandler
}

func (b *syncBus) Dispatch(ctx context.Context, evts ...*tradecore.DomainEvent) error {
	b.mu.Lock()
	b.events = append(b.events, evts...)
	cb := b.cb
	b.mu.Unlock()
	if cb == nil {
		return nil
	}
	for _, evt := range evts {
		if err := cb(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (b *syncBus) RegisterEventHandler(cb tradecore.DomainEventHandler) {
	b.cb = cb
}

func (b *syncBus) types() []tradecore.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]tradecore.EventType, 0, len(b.events))
	for _, evt := range b.events {
		res = append(res, evt.Type)
	}
	return res
}

type fixture struct {
	store     tradecore.IStore
	inventory *inventory.Ledger
	orders    *Lifecycle
	clock     *clock
	bus       *syncBus
}

func newFixture(store tradecore.IStore, opts ...Option) *fixture {
	f := &fixture{store: store, clock: newClock(), bus: &syncBus{}}
	f.inventory = inventory.NewLedger(store, inventory.WithClock(f.clock.Now))
	opts = append([]Option{WithClock(f.clock.Now), WithEventBus(f.bus)}, opts...)
	f.orders = NewLifecycle(store, f.inventory, opts...)
	return f
}

func newStores(t *testing.T) map[string]tradecore.IStore {
	s := sqlstore.NewStore(testsuit.InitSqlite())
	assert.NoError(t, s.Migrate(append(Records(), &inventory.Product{})...))
	return map[string]tradecore.IStore{
		"mem":    mem.NewStore(),
		"sqlite": s,
	}
}

func (f *fixture) product(t *testing.T, price, stock int64) *inventory.Product {
	p, err := f.inventory.Create(context.Background(), "product", decimal.NewFromInt(price), stock)
	assert.NoError(t, err)
	return p
}

func line(p *inventory.Product, qty int64) Line {
	return Line{ProductID: p.ID, Qty: qty, UnitPrice: p.Price}
}

func stockOf(t *testing.T, f *fixture, productID string) int64 {
	p, err := f.inventory.Get(context.Background(), productID)
	assert.NoError(t, err)
	return p.StockQty
}

func TestPayScenario(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 10000, 10)

			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 2)})
			assert.NoError(t, err)
			assert.Equal(t, StatusPending, o.Status)
			assert.True(t, o.Total.Equal(decimal.NewFromInt(20000)))
			assert.Equal(t, f.clock.Now().Add(DefaultTTL), o.ExpiresAt)

			o, err = f.orders.ApplyDiscount(ctx, o.ID, decimal.NewFromInt(5000))
			assert.NoError(t, err)
			assert.True(t, o.FinalAmount().Equal(decimal.NewFromInt(15000)))

			o, err = f.orders.Pay(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusPaid, o.Status)
			assert.Equal(t, int64(8), stockOf(t, f, p.ID))

			stored, err := f.orders.Get(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusPaid, stored.Status)
			assert.True(t, stored.FinalAmount().Equal(decimal.NewFromInt(15000)))

			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			if assert.Len(t, rows, 2) {
				assert.Equal(t, Status(""), rows[0].FromStatus)
				assert.Equal(t, StatusPending, rows[0].ToStatus)
				assert.Equal(t, ActorSystem, rows[0].ActorType)
				assert.Equal(t, StatusPending, rows[1].FromStatus)
				assert.Equal(t, StatusPaid, rows[1].ToStatus)
				assert.Equal(t, ActorUser, rows[1].ActorType)
				assert.Equal(t, ReasonPaid, rows[1].Reason)
			}
			assert.Equal(t, []tradecore.EventType{EventOrderCreated, EventOrderPaid}, f.bus.types())

			// 终态不可再支付或取消
			_, err = f.orders.Pay(ctx, o.ID)
			assert.ErrorIs(t, err, ErrNotPending)
			_, err = f.orders.Cancel(ctx, o.ID)
			assert.ErrorIs(t, err, ErrOrderPaid)
			assert.Equal(t, int64(8), stockOf(t, f, p.ID))
		})
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	p := f.product(t, 100, 1)

	_, err := f.orders.Create(ctx, "u1", nil)
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = f.orders.Create(ctx, "u1", []Line{{ProductID: p.ID, Qty: 0, UnitPrice: p.Price}})
	assert.ErrorIs(t, err, ErrInvalidLine)

	_, err = f.orders.Create(ctx, "u1", []Line{{ProductID: p.ID, Qty: 1, UnitPrice: decimal.NewFromInt(-1)}})
	assert.ErrorIs(t, err, ErrInvalidLine)

	_, err = f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithShippingFee(decimal.NewFromInt(-5)))
	assert.ErrorIs(t, err, ErrInvalidShippingFee)

	orders, err := f.orders.UserOrders(ctx, "u1")
	assert.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPriceSnapshot(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 1999, 5)

			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 3)}, WithShippingFee(decimal.NewFromInt(500)))
			assert.NoError(t, err)

			_, err = f.inventory.UpdatePrice(ctx, p.ID, decimal.NewFromInt(2999))
			assert.NoError(t, err)

			items, err := f.orders.Items(ctx, o.ID)
			assert.NoError(t, err)
			if assert.Len(t, items, 1) {
				assert.True(t, items[0].UnitPrice.Equal(decimal.NewFromInt(1999)))
				assert.True(t, items[0].Amount().Equal(decimal.NewFromInt(5997)))
			}
			stored, err := f.orders.Get(ctx, o.ID)
			assert.NoError(t, err)
			assert.True(t, stored.Total.Equal(decimal.NewFromInt(5997)))
			assert.True(t, stored.FinalAmount().Equal(decimal.NewFromInt(6497)))
		})
	}
}

func TestApplyDiscount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	p := f.product(t, 1000, 5)
	o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithShippingFee(decimal.NewFromInt(100)))
	assert.NoError(t, err)

	_, err = f.orders.ApplyDiscount(ctx, o.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidDiscount)
	_, err = f.orders.ApplyDiscount(ctx, o.ID, decimal.NewFromInt(1101))
	assert.ErrorIs(t, err, ErrInvalidDiscount)

	o, err = f.orders.ApplyDiscount(ctx, o.ID, decimal.NewFromInt(1100), WithCouponGrant("c1:u1"))
	assert.NoError(t, err)
	assert.True(t, o.FinalAmount().IsZero())
	assert.Equal(t, "c1:u1", o.CouponGrantID)

	_, err = f.orders.ApplyDiscount(ctx, "missing", decimal.Zero)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.orders.Cancel(ctx, o.ID)
	assert.NoError(t, err)
	_, err = f.orders.ApplyDiscount(ctx, o.ID, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPayInsufficientStockLeavesNoDeduction(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			a := f.product(t, 100, 5)
			b := f.product(t, 200, 1)

			o, err := f.orders.Create(ctx, "u1", []Line{line(a, 3), line(b, 2)})
			assert.NoError(t, err)

			_, err = f.orders.Pay(ctx, o.ID)
			assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

			// 已扣减的行被回补
			assert.Equal(t, int64(5), stockOf(t, f, a.ID))
			assert.Equal(t, int64(1), stockOf(t, f, b.ID))

			stored, err := f.orders.Get(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusPending, stored.Status)
			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			assert.Len(t, rows, 1)

			// 补货后可以重新支付
			_, err = f.inventory.Increase(ctx, b.ID, 1)
			assert.NoError(t, err)
			o, err = f.orders.Pay(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusPaid, o.Status)
			assert.Equal(t, int64(2), stockOf(t, f, a.ID))
			assert.Equal(t, int64(0), stockOf(t, f, b.ID))
		})
	}
}

func TestPayHookFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 100, 5)
			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 2)})
			assert.NoError(t, err)

			errHook := fmt.Errorf("hook failed")
			_, err = f.orders.Pay(ctx, o.ID, WithBeforeCommit(func(ctx context.Context, o *Order) error {
				assert.Equal(t, StatusPaid, o.Status)
				return errHook
			}))
			assert.ErrorIs(t, err, errHook)

			assert.Equal(t, int64(5), stockOf(t, f, p.ID))
			stored, err := f.orders.Get(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusPending, stored.Status)
			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			assert.Len(t, rows, 1)
			assert.Equal(t, []tradecore.EventType{EventOrderCreated}, f.bus.types())
		})
	}
}

func TestPayExpiredOrder(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 100, 5)
			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithTTL(10*time.Minute))
			assert.NoError(t, err)

			// expiresAt 当时仍然可以支付
			f.clock.Advance(10 * time.Minute)
			_, err = f.orders.Expire(ctx, o.ID)
			assert.ErrorIs(t, err, ErrOrderNotExpired)

			f.clock.Advance(time.Second)
			o, err = f.orders.Pay(ctx, o.ID)
			assert.ErrorIs(t, err, ErrOrderExpired)
			assert.Equal(t, StatusExpired, o.Status)
			assert.Equal(t, int64(5), stockOf(t, f, p.ID))

			_, err = f.orders.Pay(ctx, o.ID)
			assert.ErrorIs(t, err, ErrOrderExpired)

			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			if assert.Len(t, rows, 2) {
				assert.Equal(t, StatusExpired, rows[1].ToStatus)
				assert.Equal(t, ActorSystem, rows[1].ActorType)
				assert.Equal(t, ReasonTimeout, rows[1].Reason)
			}
		})
	}
}

func TestExpireIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	p := f.product(t, 100, 5)
	o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)})
	assert.NoError(t, err)
	f.clock.Advance(DefaultTTL + time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orders.Expire(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, StatusExpired, res.Status)
		}()
	}
	wg.Wait()

	rows, err := f.orders.History(ctx, o.ID)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, []tradecore.EventType{EventOrderCreated, EventOrderExpired}, f.bus.types())

	_, err = f.orders.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.orders.Expire(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 100, 5)
			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)})
			assert.NoError(t, err)

			o, err = f.orders.Cancel(ctx, o.ID, WithActor(ActorAdmin, "fraud check"))
			assert.NoError(t, err)
			assert.Equal(t, StatusCancelled, o.Status)

			_, err = f.orders.Pay(ctx, o.ID)
			assert.ErrorIs(t, err, ErrNotPending)
			_, err = f.orders.Cancel(ctx, o.ID)
			assert.ErrorIs(t, err, ErrNotPending)

			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			if assert.Len(t, rows, 2) {
				assert.Equal(t, ActorAdmin, rows[1].ActorType)
				assert.Equal(t, "fraud check", rows[1].Reason)
			}
			pending, err := f.orders.PendingOrders(ctx)
			assert.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestConcurrentPayAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	p := f.product(t, 100, 100)

	for round := 0; round < 20; round++ {
		o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)})
		assert.NoError(t, err)

		var paid, cancelled int64
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := f.orders.Pay(ctx, o.ID); err == nil {
					atomic.AddInt64(&paid, 1)
				} else if !errors.Is(err, ErrNotPending) && !errors.Is(err, ErrOrderConflict) {
					t.Errorf("unexpected pay error: %v", err)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := f.orders.Cancel(ctx, o.ID); err == nil {
					atomic.AddInt64(&cancelled, 1)
				} else if !errors.Is(err, ErrNotPending) && !errors.Is(err, ErrOrderPaid) && !errors.Is(err, ErrOrderConflict) {
					t.Errorf("unexpected cancel error: %v", err)
				}
			}()
		}
		wg.Wait()

		// 恰好一次状态变更
		assert.Equal(t, int64(1), paid+cancelled)
		rows, err := f.orders.History(ctx, o.ID)
		assert.NoError(t, err)
		assert.Len(t, rows, 2)
	}

	// 每笔支付成功的订单恰好扣减一件
	orders, err := f.orders.UserOrders(ctx, "u1")
	assert.NoError(t, err)
	var paidCount int64
	for _, o := range orders {
		if o.Status == StatusPaid {
			paidCount++
		}
	}
	assert.Equal(t, 100-paidCount, stockOf(t, f, p.ID))
}

func TestConcurrentPayDistinctOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	f.inventory = inventory.NewLedger(f.store, inventory.WithClock(f.clock.Now),
		inventory.WithRetry(tradecore.WithAttempts(200), tradecore.WithDelay(time.Millisecond, 10*time.Millisecond)))
	f.orders = NewLifecycle(f.store, f.inventory, WithClock(f.clock.Now), WithEventBus(f.bus))
	a := f.product(t, 100, 50)
	b := f.product(t, 200, 100)

	const n = 60
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		o, err := f.orders.Create(ctx, fmt.Sprintf("u%d", i), []Line{line(b, 1), line(a, 2)})
		assert.NoError(t, err)
		ids = append(ids, o.ID)
	}

	var paid, insufficient int64
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.orders.Pay(ctx, id)
			switch {
			case err == nil:
				atomic.AddInt64(&paid, 1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				atomic.AddInt64(&insufficient, 1)
			default:
				t.Errorf("unexpected pay error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int64(n), paid+insufficient)
	assert.Equal(t, int64(25), paid)
	assert.Equal(t, 50-2*paid, stockOf(t, f, a.ID))
	assert.Equal(t, 100-paid, stockOf(t, f, b.ID))

	// 未支付的订单没有任何扣减，状态保持 PENDING
	var pending int64
	for _, id := range ids {
		o, err := f.orders.Get(ctx, id)
		assert.NoError(t, err)
		if o.Status == StatusPending {
			pending++
		} else {
			assert.Equal(t, StatusPaid, o.Status)
		}
	}
	assert.Equal(t, insufficient, pending)
}

func TestHistoryOrderedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(store)
			p := f.product(t, 100, 5)
			o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)})
			assert.NoError(t, err)

			// 其他实例写入的记录 id 可能比更早的记录小
			late := &History{
				BaseRecord: tradecore.BaseRecord{ID: "0-" + o.ID},
				OrderID:    o.ID,
				FromStatus: StatusPending,
				ToStatus:   StatusPaid,
				ActorType:  ActorUser,
				Reason:     ReasonPaid,
				CreatedAt:  f.clock.Now().Add(time.Second),
			}
			assert.NoError(t, store.Insert(ctx, late))

			rows, err := f.orders.History(ctx, o.ID)
			assert.NoError(t, err)
			if assert.Len(t, rows, 2) {
				assert.Equal(t, StatusPending, rows[0].ToStatus)
				assert.Equal(t, late.ID, rows[1].ID)
			}
		})
	}
}
