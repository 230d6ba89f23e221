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
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger"
)

const (
	sweepLockKey     = "order_expiry_sweep"
	timerKeyPrefix   = "order_expire:"
	DefaultSweepCron = "@every 1m"
)

// 定时比 expiresAt 稍晚触发，expiresAt 当时订单仍可支付
const timerGrace = time.Second

type ExpiryOptions struct {
	Timer  tradecore.ITimer
	Lock   tradecore.ILock
	Logger logr.Logger
}

type ExpiryOption func(opt *ExpiryOptions)

func WithTimer(t tradecore.ITimer) ExpiryOption {
	return func(opt *ExpiryOptions) {
		opt.Timer = t
	}
}

// WithSweepLock 多实例部署时保证同一时刻只有一个实例在扫描
func WithSweepLock(l tradecore.ILock) ExpiryOption {
	return func(opt *ExpiryOptions) {
		opt.Lock = l
	}
}

func WithExpiryLogger(l logr.Logger) ExpiryOption {
	return func(opt *ExpiryOptions) {
		opt.Logger = l
	}
}

// ExpiryScheduler 把超时未支付的订单转为 EXPIRED
// 每个订单创建时设置单次定时，另有周期扫描兜底；Expire 本身幂等，两条路径重复触发没有副作用
type ExpiryScheduler struct {
	lifecycle *Lifecycle
	timer     tradecore.ITimer
	lock      tradecore.ILock
	logger    logr.Logger

	mu   sync.Mutex
	cron *cron.Cron
	wg   sync.WaitGroup
}

func NewExpiryScheduler(l *Lifecycle, opts ...ExpiryOption) *ExpiryScheduler {
	opt := ExpiryOptions{
		Timer:  &tradecore.NoTimer{},
		Logger: l.logger,
	}
	for _, o := range opts {
		o(&opt)
	}
	s := &ExpiryScheduler{
		lifecycle: l,
		timer:     opt.Timer,
		lock:      opt.Lock,
		logger:    opt.Logger,
	}
	s.timer.RegisterTimerHandler(s.onTimer)
	return s
}

func timerKey(orderID string) string {
	return timerKeyPrefix + orderID
}

// Register 订阅订单事件：创建时设置到期定时，进入终态时取消定时
func (s *ExpiryScheduler) Register(router *tradecore.EventRouter) {
	router.Register(EventOrderCreated, s.onCreated)
	router.Register(EventOrderPaid, s.onClosed)
	router.Register(EventOrderCancelled, s.onClosed)
}

func (s *ExpiryScheduler) onCreated(ctx context.Context, evt *StatusChanged) error {
	at := evt.ExpiresAt.Add(timerGrace)
	err := s.timer.RunOnce(timerKey(evt.OrderID), at, []byte(evt.OrderID))
	switch {
	case errors.Is(err, tradecore.ErrNoTimerFound):
		// 没有定时器时只依赖周期扫描
		return nil
	case errors.Is(err, tradecore.ErrTimerOverdue):
		// 处理器运行在事件总线的消费协程上，Expire 会再次投递事件，不能在此同步执行
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.onTimer(ctx, timerKey(evt.OrderID), "", []byte(evt.OrderID)); err != nil {
				s.logger.Error(err, "expire overdue order failed", "order", evt.OrderID)
			}
		}()
		return nil
	}
	return err
}

// Wait 等待已到期订单的异步过期处理结束
func (s *ExpiryScheduler) Wait() {
	s.wg.Wait()
}

func (s *ExpiryScheduler) onClosed(ctx context.Context, evt *StatusChanged) error {
	return s.timer.Cancel(timerKey(evt.OrderID))
}

func (s *ExpiryScheduler) onTimer(ctx context.Context, key, _ string, data []byte) error {
	if !strings.HasPrefix(key, timerKeyPrefix) {
		return nil
	}
	orderID := string(data)
	o, err := s.lifecycle.Expire(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		s.logger.Info("expire timer for unknown order", "order", orderID)
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.V(logger.LevelDebug).Info("expire timer fired", "order", orderID, "status", o.Status)
	return nil
}

// Sweep 扫描所有待支付订单，把已超时的转为 EXPIRED，返回本次扫描到的超时订单数
// 配置了锁且锁被其他实例持有时返回 tradecore.ErrResourceLocked
func (s *ExpiryScheduler) Sweep(ctx context.Context) (int, error) {
	expired := 0
	run := func(ctx context.Context) error {
		orders, err := s.lifecycle.PendingOrders(ctx)
		if err != nil {
			return err
		}
		now := s.lifecycle.now()
		for _, o := range orders {
			if !o.Overdue(now) {
				continue
			}
			res, err := s.lifecycle.Expire(ctx, o.ID)
			if err != nil {
				s.logger.Error(err, "expire order failed", "order", o.ID)
				continue
			}
			if res.Status == StatusExpired {
				expired++
			}
		}
		return nil
	}

	var err error
	if s.lock == nil {
		err = run(ctx)
	} else {
		err = tradecore.WithLock(ctx, s.lock, sweepLockKey, run)
	}
	return expired, err
}

// Start 按 cron 表达式周期扫描，表达式为空时每分钟一次
func (s *ExpiryScheduler) Start(expr string) error {
	if expr == "" {
		expr = DefaultSweepCron
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	err := c.AddFunc(expr, func() {
		n, err := s.Sweep(context.Background())
		if errors.Is(err, tradecore.ErrResourceLocked) {
			s.logger.V(logger.LevelDebug).Info("expiry sweep skipped, lock held elsewhere")
			return
		}
		if err != nil {
			s.logger.Error(err, "expiry sweep failed")
			return
		}
		if n > 0 {
			s.logger.Info("expiry sweep done", "expired", n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}
