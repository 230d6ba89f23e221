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

package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/store/mem"
	sqlstore "github.com/bytedance/tradecore/store/sql"
	"github.com/bytedance/tradecore/testsuit"
)

func newKeyStores(t *testing.T) map[string]IKeyStore {
	s := sqlstore.NewStore(testsuit.InitSqlite())
	assert.NoError(t, s.Migrate(&KeyRecord{}))
	return map[string]IKeyStore{
		"mem":    NewRecordKeyStore(mem.NewStore()),
		"sqlite": NewRecordKeyStore(s),
	}
}

func TestKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, ks := range newKeyStores(t) {
		t.Run(name, func(t *testing.T) {
			state, claimed, err := ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.True(t, claimed)
			assert.Equal(t, KeyInProgress, state.Status)

			state, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, KeyInProgress, state.Status)

			// 释放后同一订单可以重新占用，其他订单不行
			assert.NoError(t, ks.Release(ctx, "k1"))
			state, claimed, err = ks.Claim(ctx, "k1", "o2")
			assert.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, "o1", state.OrderID)
			assert.Equal(t, KeyReleased, state.Status)

			_, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.True(t, claimed)

			assert.NoError(t, ks.Complete(ctx, "k1", KeyFailed, "insufficient_stock"))
			state, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, KeyFailed, state.Status)
			assert.Equal(t, "insufficient_stock", state.ErrorCode)

			assert.ErrorIs(t, ks.Complete(ctx, "missing", KeySucceeded, ""), ErrKeyNotFound)
		})
	}
}

func TestConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	ks := NewRecordKeyStore(mem.NewStore(), WithRetry(tradecore.WithAttempts(51)))

	var claims int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			if claimed {
				atomic.AddInt64(&claims, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), claims)
}

func TestStaleClaimTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := sqlstore.NewStore(testsuit.InitSqlite())
	assert.NoError(t, s.Migrate(&KeyRecord{}))
	stores := map[string]IKeyStore{
		"mem":    NewRecordKeyStore(mem.NewStore(), WithClaimTTL(time.Minute), WithClock(clock)),
		"sqlite": NewRecordKeyStore(s, WithClaimTTL(time.Minute), WithClock(clock)),
	}
	for name, ks := range stores {
		t.Run(name, func(t *testing.T) {
			now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			_, claimed, err := ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.True(t, claimed)

			now = now.Add(30 * time.Second)
			state, claimed, err := ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, KeyInProgress, state.Status)

			// 占用者没有写回结果，超时后同一订单可以接管，其他订单不行
			now = now.Add(time.Minute)
			_, claimed, err = ks.Claim(ctx, "k1", "o2")
			assert.NoError(t, err)
			assert.False(t, claimed)
			state, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.True(t, claimed)
			assert.Equal(t, KeyInProgress, state.Status)

			// 接管刷新了占用时间
			_, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.False(t, claimed)

			// 终态不会因为时间流逝被接管
			assert.NoError(t, ks.Complete(ctx, "k1", KeySucceeded, ""))
			now = now.Add(time.Hour)
			state, claimed, err = ks.Claim(ctx, "k1", "o1")
			assert.NoError(t, err)
			assert.False(t, claimed)
			assert.Equal(t, KeySucceeded, state.Status)
		})
	}
}
