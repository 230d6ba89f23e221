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
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bytedance/tradecore"
	busmem "github.com/bytedance/tradecore/eventbus/mem"
	"github.com/bytedance/tradecore/inventory"
	"github.com/bytedance/tradecore/store/mem"
	"github.com/bytedance/tradecore/testsuit"
)

type fakeTimer struct {
	mu      sync.Mutex
	cb      tradecore.TimerHandler
	pending map[string]time.Time
	data    map[string][]byte
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{pending: map[string]time.Time{}, data: map[string][]byte{}}
}

func (f *fakeTimer) RegisterTimerHandler(cb tradecore.TimerHandler) {
	f.cb = cb
}

func (f *fakeTimer) RunCron(key, cron string, data []byte) error {
	return nil
}

func (f *fakeTimer) RunOnce(key string, t time.Time, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[key]; !ok {
		f.pending[key] = t
		f.data[key] = data
	}
	return nil
}

func (f *fakeTimer) Cancel(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, key)
	delete(f.data, key)
	return nil
}

// fire 触发所有到期的定时
func (f *fakeTimer) fire(ctx context.Context, now time.Time) error {
	f.mu.Lock()
	due := map[string][]byte{}
	for key, at := range f.pending {
		if !now.Before(at) {
			due[key] = f.data[key]
			delete(f.pending, key)
			delete(f.data, key)
		}
	}
	f.mu.Unlock()
	for key, data := range due {
		if err := f.cb(ctx, key, "", data); err != nil {
			return err
		}
	}
	return nil
}

// overdueTimer 单次定时总是已过期
type overdueTimer struct {
	*fakeTimer
}

func (o *overdueTimer) RunOnce(key string, t time.Time, data []byte) error {
	return tradecore.ErrTimerOverdue
}

func newScheduledFixture(t *testing.T) (*fixture, *fakeTimer, *ExpiryScheduler) {
	f := newFixture(mem.NewStore())
	timer := newFakeTimer()
	s := NewExpiryScheduler(f.orders, WithTimer(timer), WithSweepLock(testsuit.NewMemLock()))
	router := tradecore.NewEventRouter()
	s.Register(router)
	router.Bind(f.bus)
	return f, timer, s
}

func TestExpiryTimer(t *testing.T) {
	ctx := context.Background()
	f, timer, _ := newScheduledFixture(t)
	p := f.product(t, 100, 5)

	o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithTTL(time.Minute))
	assert.NoError(t, err)
	paid, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithTTL(time.Minute))
	assert.NoError(t, err)
	assert.Len(t, timer.pending, 2)
	assert.Equal(t, o.ExpiresAt.Add(timerGrace), timer.pending[timerKey(o.ID)])

	// 支付后取消定时
	_, err = f.orders.Pay(ctx, paid.ID)
	assert.NoError(t, err)
	assert.Len(t, timer.pending, 1)

	f.clock.Advance(time.Minute)
	assert.NoError(t, timer.fire(ctx, f.clock.Now()))
	stored, err := f.orders.Get(ctx, o.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	f.clock.Advance(timerGrace)
	assert.NoError(t, timer.fire(ctx, f.clock.Now()))
	stored, err = f.orders.Get(ctx, o.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Empty(t, timer.pending)

	// 定时与扫描重复触发只产生一次状态变更
	n, err := NewExpiryScheduler(f.orders).Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	rows, err := f.orders.History(ctx, o.ID)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)

	stored, err = f.orders.Get(ctx, paid.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status)
}

func TestExpiryTimerUnknownOrder(t *testing.T) {
	_, _, s := newScheduledFixture(t)
	assert.NoError(t, s.onTimer(context.Background(), timerKey("missing"), "", []byte("missing")))
	assert.NoError(t, s.onTimer(context.Background(), "other:1", "", nil))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f, _, s := newScheduledFixture(t)
	p := f.product(t, 100, 5)

	var ids []string
	for _, ttl := range []time.Duration{time.Minute, 2 * time.Minute, time.Hour} {
		o, err := f.orders.Create(ctx, "u1", []Line{line(p, 1)}, WithTTL(ttl))
		assert.NoError(t, err)
		ids = append(ids, o.ID)
	}

	f.clock.Advance(5 * time.Minute)
	n, err := s.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	for i, want := range []Status{StatusExpired, StatusExpired, StatusPending} {
		o, err := f.orders.Get(ctx, ids[i])
		assert.NoError(t, err)
		assert.Equal(t, want, o.Status)
	}

	n, err = s.Sweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(mem.NewStore())
	lock := testsuit.NewMemLock()
	s := NewExpiryScheduler(f.orders, WithSweepLock(lock))

	held, err := lock.Lock(ctx, sweepLockKey)
	assert.NoError(t, err)
	_, err = s.Sweep(ctx)
	assert.ErrorIs(t, err, tradecore.ErrResourceLocked)

	assert.NoError(t, lock.UnLock(ctx, held))
	_, err = s.Sweep(ctx)
	assert.NoError(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(mem.NewStore())
	s := NewExpiryScheduler(f.orders)
	assert.Error(t, s.Start("not a cron"))
	assert.NoError(t, s.Start(""))
	assert.NoError(t, s.Start(""))
	s.Stop()
	s.Stop()
}

func TestExpiryOverdueTimerOnAsyncBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	store := mem.NewStore()
	clk := newClock()
	inv := inventory.NewLedger(store, inventory.WithClock(clk.Now))
	bus := busmem.NewEventBus(2)
	orders := NewLifecycle(store, inv, WithClock(clk.Now), WithEventBus(bus))
	s := NewExpiryScheduler(orders, WithTimer(&overdueTimer{newFakeTimer()}))
	router := tradecore.NewEventRouter()
	s.Register(router)
	router.Bind(bus)
	assert.NoError(t, bus.Start(ctx))
	defer func() {
		cancel()
		s.Wait()
		bus.Wait()
	}()

	p, err := inv.Create(ctx, "product", decimal.NewFromInt(100), 10)
	assert.NoError(t, err)

	start := time.Now()
	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
		o, err := orders.Create(callCtx, "u1", []Line{line(p, 1)}, WithTTL(-time.Minute))
		callCancel()
		assert.NoError(t, err)
		ids = append(ids, o.ID)
	}
	// 投递不会等到调用方超时
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			o, err := orders.Get(ctx, id)
			if err != nil || o.Status != StatusExpired {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
