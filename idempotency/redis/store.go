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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/idempotency"
)

const DefaultTTL = 24 * time.Hour

// KeyStore 基于 redis 的幂等键存储，key 在 ttl 后过期
type KeyStore struct {
	cli    redis.UniversalClient
	ttl    time.Duration
	prefix string
	retry  []tradecore.RetryOption
}

type Option func(s *KeyStore)

func WithPrefix(prefix string) Option {
	return func(s *KeyStore) {
		s.prefix = prefix
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *KeyStore) {
		s.ttl = ttl
	}
}

func WithRetry(opts ...tradecore.RetryOption) Option {
	return func(s *KeyStore) {
		s.retry = append(s.retry, opts...)
	}
}

func NewKeyStore(cli redis.UniversalClient, opts ...Option) *KeyStore {
	s := &KeyStore{cli: cli, ttl: DefaultTTL, prefix: "tradecore:idempotency:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *KeyStore) redisKey(key string) string {
	return s.prefix + key
}

// watch 乐观事务，key 被并发修改时返回 tradecore.ErrVersionConflict 交给重试
func (s *KeyStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	return tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		err := s.cli.Watch(ctx, fn, s.redisKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: key %s", tradecore.ErrVersionConflict, key)
		}
		return err
	}, s.retry...)
}

func (s *KeyStore) load(ctx context.Context, tx *redis.Tx, key string) (*idempotency.KeyState, error) {
	raw, err := tx.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &idempotency.KeyState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode idempotency key %s: %w", key, err)
	}
	return state, nil
}

func (s *KeyStore) save(ctx context.Context, tx *redis.Tx, state idempotency.KeyState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.redisKey(state.Key), raw, s.ttl)
		return nil
	})
	return err
}

func (s *KeyStore) Claim(ctx context.Context, key, orderID string) (idempotency.KeyState, bool, error) {
	var state idempotency.KeyState
	var claimed bool
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil && (existing.Status != idempotency.KeyReleased || existing.OrderID != orderID) {
			state, claimed = *existing, false
			return nil
		}
		next := idempotency.KeyState{Key: key, OrderID: orderID, Status: idempotency.KeyInProgress}
		if err := s.save(ctx, tx, next); err != nil {
			return err
		}
		state, claimed = next, true
		return nil
	})
	return state, claimed, err
}

func (s *KeyStore) Complete(ctx context.Context, key string, status idempotency.KeyStatus, code string) error {
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", idempotency.ErrKeyNotFound, key)
		}
		existing.Status = status
		existing.ErrorCode = code
		return s.save(ctx, tx, *existing)
	})
}

func (s *KeyStore) Release(ctx context.Context, key string) error {
	return s.Complete(ctx, key, idempotency.KeyReleased, "")
}
