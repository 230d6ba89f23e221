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

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger/stdr"
)

var defaultLogger = stdr.NewStdr("resource_lock")

// renewInterval 必须小于 ttl，保证锁到期前能完成续期
const renewInterval = 1 * time.Second

type Options struct {
	RenewInterval time.Duration
	Retry         bool
	Logger        logr.Logger
}

type Option func(opt *Options)

func WithRenewInterval(d time.Duration) Option {
	return func(opt *Options) {
		opt.RenewInterval = d
	}
}

// WithoutRetry 锁被占用时立即返回 tradecore.ErrResourceLocked
func WithoutRetry() Option {
	return func(opt *Options) {
		opt.Retry = false
	}
}

func WithLogger(l logr.Logger) Option {
	return func(opt *Options) {
		opt.Logger = l
	}
}

// DBLock 基于数据库唯一索引的任务锁，和 store/sql 共用一个库
type DBLock struct {
	ttl    time.Duration
	db     *gorm.DB
	logger logr.Logger
	opt    Options
}

var _ tradecore.ILock = (*DBLock)(nil)

func NewDBLock(db *gorm.DB, ttl time.Duration, options ...Option) *DBLock {
	opt := Options{
		RenewInterval: renewInterval,
		Retry:         true,
		Logger:        defaultLogger,
	}
	for _, o := range options {
		o(&opt)
	}
	if ttl < opt.RenewInterval {
		panic(fmt.Sprintf("ttl can not less than %f seconds", opt.RenewInterval.Seconds()))
	}
	return &DBLock{db: db, ttl: ttl, logger: opt.Logger, opt: opt}
}

func (r *DBLock) Migrate() error {
	return r.db.AutoMigrate(&ResourceLock{})
}

func (r *DBLock) Lock(ctx context.Context, key string) (keyLock interface{}, err error) {
	if !r.opt.Retry {
		return r.lock(ctx, key)
	}
	err = retry.Do(
		func() error {
			keyLock, err = r.lock(ctx, key)
			return err
		},
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, tradecore.ErrResourceLocked)
		}),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(100*time.Millisecond),
		retry.Attempts(5),
		retry.LastErrorOnly(true),
	)
	return
}

func (r *DBLock) lock(ctx context.Context, key string) (*ResourceLock, error) {
	lockerID := xid.New().String()
	var lock ResourceLock
	err := r.db.WithContext(ctx).Where("resource = ?", key).First(&lock).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get resource %s lock: %w", key, err)
		}
		l := &ResourceLock{Resource: key, LockerID: lockerID}
		if err := r.db.WithContext(ctx).Create(l).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, tradecore.ErrResourceLocked
			}
			return nil, fmt.Errorf("create resource %s lock: %w", key, err)
		}
		return l, nil
	}
	if time.Since(lock.UpdatedAt) < r.ttl {
		return nil, tradecore.ErrResourceLocked
	}

	// 锁已过期，以原持有者为条件抢占
	res := r.db.WithContext(ctx).Model(&ResourceLock{}).
		Where("resource = ? AND locker_id = ?", key, lock.LockerID).
		UpdateColumns(ResourceLock{UpdatedAt: time.Now(), LockerID: lockerID})
	if res.Error != nil {
		return nil, fmt.Errorf("take over resource %s lock: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, tradecore.ErrResourceLocked
	}
	lock.LockerID = lockerID
	return &lock, nil
}

func (r *DBLock) UnLock(ctx context.Context, keyLock interface{}) error {
	l := keyLock.(*ResourceLock)
	res := r.db.WithContext(ctx).Where("locker_id = ? AND resource = ?", l.LockerID, l.Resource).Delete(&ResourceLock{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected <= 0 {
		return fmt.Errorf("lock record not found (id=%s resource=%s)", l.LockerID, l.Resource)
	}
	return nil
}

func (r *DBLock) renew(ctx context.Context, l *ResourceLock) error {
	res := r.db.WithContext(ctx).Model(&ResourceLock{}).
		Where("resource = ? AND locker_id = ?", l.Resource, l.LockerID).
		UpdateColumns(ResourceLock{UpdatedAt: time.Now(), LockerID: l.LockerID})
	if res.Error != nil {
		return fmt.Errorf("renew resource %s lock: %w", l.Resource, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resource %s lock taken by others", l.Resource)
	}
	return nil
}

// Run 持有锁执行 fn，执行期间定时续期；续期失败时取消传给 fn 的 ctx
func (r *DBLock) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	keyLock, err := r.Lock(ctx, key)
	if err != nil {
		return err
	}
	l := keyLock.(*ResourceLock)
	defer func() {
		if err := r.UnLock(ctx, l); err != nil {
			r.logger.Error(err, "unlock failed", "resource", key)
		}
	}()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(r.opt.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.renew(ctx, l); err != nil {
					r.logger.Info("renew lock failed", "resource", key, "err", err.Error())
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()

	return fn(subCtx)
}
