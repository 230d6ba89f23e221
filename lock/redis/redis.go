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

package redis

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/bytedance/tradecore"
)

type Options struct {
	Retry  redislock.RetryStrategy
	Prefix string
}

type Option func(opt *Options)

// WithRetry 获取锁的重试策略，默认 100ms 间隔重试 30 次
func WithRetry(s redislock.RetryStrategy) Option {
	return func(opt *Options) {
		opt.Retry = s
	}
}

// WithoutRetry 锁被占用时立即返回 tradecore.ErrResourceLocked
func WithoutRetry() Option {
	return WithRetry(redislock.NoRetry())
}

func WithPrefix(prefix string) Option {
	return func(opt *Options) {
		opt.Prefix = prefix
	}
}

type RedisLock struct {
	ttl time.Duration
	cli *redislock.Client
	opt Options
}

var _ tradecore.ILock = (*RedisLock)(nil)

func NewRedisLock(cli redis.UniversalClient, ttl time.Duration, opts ...Option) *RedisLock {
	opt := Options{
		Retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 30),
		Prefix: "tradecore:lock:",
	}
	for _, o := range opts {
		o(&opt)
	}
	return &RedisLock{cli: redislock.New(cli), ttl: ttl, opt: opt}
}

func (r *RedisLock) Lock(ctx context.Context, key string) (keyLock interface{}, err error) {
	l, err := r.cli.Obtain(ctx, r.opt.Prefix+key, r.ttl, &redislock.Options{RetryStrategy: r.opt.Retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, tradecore.ErrResourceLocked
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (r *RedisLock) UnLock(ctx context.Context, keyLock interface{}) error {
	l := keyLock.(*redislock.Lock)
	if err := l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}
