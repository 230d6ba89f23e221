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
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/tradecore"
)

var ErrKeyNotFound = fmt.Errorf("idempotency key not found")

type KeyStatus string

const (
	KeyInProgress KeyStatus = "IN_PROGRESS"
	KeySucceeded  KeyStatus = "SUCCEEDED"
	KeyFailed     KeyStatus = "FAILED"
	// KeyReleased 请求以可重试的错误结束，同一订单可以再次占用
	KeyReleased KeyStatus = "RELEASED"
)

// KeyState 幂等键的当前状态，FAILED 时 ErrorCode 记录终态错误
type KeyState struct {
	Key       string    `json:"key"`
	OrderID   string    `json:"order_id"`
	Status    KeyStatus `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// IKeyStore 幂等键存储
type IKeyStore interface {
	// Claim 为 orderID 占用 key；key 已存在且不可重新占用时 claimed 为 false，并返回已有状态
	Claim(ctx context.Context, key, orderID string) (state KeyState, claimed bool, err error)

	// Complete 记录请求结果
	Complete(ctx context.Context, key string, status KeyStatus, code string) error

	// Release 释放 key，之后同一订单可以再次占用
	Release(ctx context.Context, key string) error
}

// KeyRecord 幂等键记录，主键即幂等键
type KeyRecord struct {
	tradecore.BaseRecord

	OrderID   string    `gorm:"column:order_id;type:varchar(128)"`
	Status    KeyStatus `gorm:"column:status;type:varchar(16)"`
	ErrorCode string    `gorm:"column:error_code;type:varchar(64)"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (r *KeyRecord) TableName() string {
	return "checkout_idempotency_key"
}

func (r *KeyRecord) state() KeyState {
	return KeyState{Key: r.ID, OrderID: r.OrderID, Status: r.Status, ErrorCode: r.ErrorCode}
}

// DefaultClaimTTL IN_PROGRESS 超过该时长未更新视为占用者已经退出
const DefaultClaimTTL = 5 * time.Minute

type Options struct {
	Retry    []tradecore.RetryOption
	ClaimTTL time.Duration
	Now      func() time.Time
}

type Option func(opt *Options)

func WithRetry(opts ...tradecore.RetryOption) Option {
	return func(opt *Options) {
		opt.Retry = append(opt.Retry, opts...)
	}
}

// WithClaimTTL 超时的 IN_PROGRESS 可以被同一订单的请求接管，ttl <= 0 时永不接管
func WithClaimTTL(ttl time.Duration) Option {
	return func(opt *Options) {
		opt.ClaimTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(opt *Options) {
		opt.Now = now
	}
}

// RecordKeyStore 基于 tradecore.IStore 的幂等键存储，和订单数据同库时不需要额外组件
type RecordKeyStore struct {
	store    tradecore.IStore
	retry    []tradecore.RetryOption
	claimTTL time.Duration
	now      func() time.Time
}

func NewRecordKeyStore(store tradecore.IStore, opts ...Option) *RecordKeyStore {
	opt := Options{ClaimTTL: DefaultClaimTTL, Now: time.Now}
	for _, o := range opts {
		o(&opt)
	}
	return &RecordKeyStore{store: store, retry: opt.Retry, claimTTL: opt.ClaimTTL, now: opt.Now}
}

// reclaimable 已释放或占用超时的 key 可以被同一订单重新占用
func (s *RecordKeyStore) reclaimable(rec *KeyRecord, orderID string, now time.Time) bool {
	if rec.OrderID != orderID {
		return false
	}
	switch rec.Status {
	case KeyReleased:
		return true
	case KeyInProgress:
		return s.claimTTL > 0 && now.Sub(rec.UpdatedAt) >= s.claimTTL
	}
	return false
}

func (s *RecordKeyStore) Claim(ctx context.Context, key, orderID string) (KeyState, bool, error) {
	var state KeyState
	var claimed bool
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		now := s.now()
		rec := &KeyRecord{OrderID: orderID, Status: KeyInProgress, CreatedAt: now, UpdatedAt: now}
		rec.ID = key
		err := s.store.Insert(ctx, rec)
		if err == nil {
			state, claimed = rec.state(), true
			return nil
		}
		if !errors.Is(err, tradecore.ErrDuplicatedRecord) {
			return err
		}

		existing := &KeyRecord{}
		if err := s.store.Get(ctx, key, existing); err != nil {
			return err
		}
		if !s.reclaimable(existing, orderID, now) {
			state, claimed = existing.state(), false
			return nil
		}
		expected := existing.Version
		existing.Status = KeyInProgress
		existing.ErrorCode = ""
		existing.UpdatedAt = now
		if err := s.store.CompareAndSwap(ctx, expected, existing); err != nil {
			return err
		}
		state, claimed = existing.state(), true
		return nil
	}, s.retry...)
	return state, claimed, err
}

func (s *RecordKeyStore) Complete(ctx context.Context, key string, status KeyStatus, code string) error {
	return tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		rec := &KeyRecord{}
		if err := s.store.Get(ctx, key, rec); err != nil {
			if errors.Is(err, tradecore.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
			}
			return err
		}
		expected := rec.Version
		rec.Status = status
		rec.ErrorCode = code
		rec.UpdatedAt = s.now()
		return s.store.CompareAndSwap(ctx, expected, rec)
	}, s.retry...)
}

func (s *RecordKeyStore) Release(ctx context.Context, key string) error {
	return s.Complete(ctx, key, KeyReleased, "")
}
