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

package sql

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/testsuit"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
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

type recorder struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *recorder) handle(ctx context.Context, key, cron string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key+"="+string(data))
	return r.err
}

func (r *recorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func newTimer(t *testing.T, service string) (*DBTimer, *clock, *recorder) {
	c := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	timer := NewDBTimer(service, testsuit.InitSqlite(&Job{}), WithClock(c.Now))
	r := &recorder{}
	timer.RegisterTimerHandler(r.handle)
	return timer, c, r
}

func TestTimerOnce(t *testing.T) {
	ctx := context.Background()
	timer, c, r := newTimer(t, "test_once")

	assert.NoError(t, timer.RunOnce("k1", c.Now().Add(time.Minute), []byte("a")))
	// 重复设置不覆盖已有定时
	assert.NoError(t, timer.RunOnce("k1", c.Now().Add(time.Hour), []byte("b")))
	assert.ErrorIs(t, timer.RunOnce("k2", c.Now().Add(-time.Second), nil), tradecore.ErrTimerOverdue)

	n, err := timer.handleJobs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(time.Minute)
	n, err = timer.handleJobs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"k1=a"}, r.fired())

	c.Advance(time.Hour)
	n, err = timer.handleJobs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	job := &Job{}
	assert.NoError(t, timer.db.Where(Job{Service: "test_once", Key: "k1"}).First(job).Error)
	assert.Equal(t, JobFinished, job.Status)
}

func TestTimerCron(t *testing.T) {
	ctx := context.Background()
	timer, c, r := newTimer(t, "test_cron")

	assert.NoError(t, timer.RunCron("sweep", "@every 1m", []byte("x")))
	assert.Error(t, timer.RunCron("bad", "not a cron", nil))

	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		n, err := timer.handleJobs(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Len(t, r.fired(), 3)

	assert.NoError(t, timer.Cancel("sweep"))
	c.Advance(time.Minute)
	n, err := timer.handleJobs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTimerCallbackFailure(t *testing.T) {
	ctx := context.Background()
	timer, c, r := newTimer(t, "test_failure")
	r.err = fmt.Errorf("boom")

	assert.NoError(t, timer.RunOnce("k1", c.Now().Add(time.Second), nil))
	c.Advance(time.Second)
	n, err := timer.handleJobs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	job := &Job{}
	assert.NoError(t, timer.db.Where(Job{Service: "test_failure", Key: "k1"}).First(job).Error)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "boom", job.Msg)
}

func TestTimerClaimOnce(t *testing.T) {
	ctx := context.Background()
	timer, c, r := newTimer(t, "test_claim")
	other := NewDBTimer("test_claim", timer.db, WithClock(c.Now))
	other.RegisterTimerHandler(r.handle)

	assert.NoError(t, timer.RunOnce("k1", c.Now().Add(time.Second), []byte("a")))
	c.Advance(time.Second)

	// 两个实例读到同一个 job，只有先推进版本的一方执行
	job := &Job{}
	assert.NoError(t, timer.db.Where(Job{Service: "test_claim", Key: "k1"}).First(job).Error)
	stale := *job
	ok, err := timer.claim(ctx, job)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = other.claim(ctx, &stale)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestTimerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	timer, c, r := newTimer(t, "test_start")
	timer.opt.RunInterval = 10 * time.Millisecond
	assert.NoError(t, timer.RunOnce("k1", c.Now().Add(time.Second), []byte("a")))
	c.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	timer.Start(ctx)
	timer.Start(ctx)
	assert.Eventually(t, func() bool {
		return len(r.fired()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	timer.Wait()
}
