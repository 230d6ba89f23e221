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

package tradecore

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"

	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
)

var defaultLogger = stdr.NewStdr("tradecore")

const (
	defaultRetryAttempts = 10
	defaultRetryDelay    = 5 * time.Millisecond
	defaultRetryMaxDelay = 100 * time.Millisecond
	defaultRetryJitter   = 5 * time.Millisecond
)

type RetryOptions struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
	Logger    logr.Logger
	OnRetry   func(attempt uint, err error)
}

type RetryOption func(opt *RetryOptions)

func WithAttempts(n uint) RetryOption {
	return func(opt *RetryOptions) {
		opt.Attempts = n
	}
}

func WithDelay(delay, maxDelay time.Duration) RetryOption {
	return func(opt *RetryOptions) {
		opt.Delay = delay
		opt.MaxDelay = maxDelay
	}
}

func WithJitter(jitter time.Duration) RetryOption {
	return func(opt *RetryOptions) {
		opt.MaxJitter = jitter
	}
}

func WithRetryLogger(l logr.Logger) RetryOption {
	return func(opt *RetryOptions) {
		opt.Logger = l
	}
}

// WithOnRetry 每次因版本冲突重试前回调
func WithOnRetry(f func(attempt uint, err error)) RetryOption {
	return func(opt *RetryOptions) {
		opt.OnRetry = f
	}
}

// RetryOnConflict 读取 -> 尝试 -> 冲突后重读重试
// 只对 ErrVersionConflict 重试，退避加随机抖动；重试耗尽返回最后一次的冲突错误，ctx 取消返回 ctx.Err()
// fn 每次执行都必须重新读取最新状态，不能跨次缓存版本号
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error, opts ...RetryOption) error {
	opt := RetryOptions{
		Attempts:  defaultRetryAttempts,
		Delay:     defaultRetryDelay,
		MaxDelay:  defaultRetryMaxDelay,
		MaxJitter: defaultRetryJitter,
		Logger:    defaultLogger,
	}
	for _, o := range opts {
		o(&opt)
	}
	if opt.Attempts == 0 {
		opt.Attempts = 1
	}

	return retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrVersionConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			opt.Logger.V(logger.LevelDebug).Info("retry on version conflict", "attempt", n+1, "err", err)
			if opt.OnRetry != nil {
				opt.OnRetry(n+1, err)
			}
		}),
		retry.Attempts(opt.Attempts),
		retry.Delay(opt.Delay),
		retry.MaxDelay(opt.MaxDelay),
		retry.MaxJitter(opt.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
}
