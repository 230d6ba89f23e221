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
	"strings"
)

// IStore 按 id 读写的版本化存储，正确性只依赖 CompareAndSwap 的原子性
type IStore interface {
	// Get 按 id 读取记录到 out，记录不存在返回 ErrRecordNotFound
	Get(ctx context.Context, id string, out IRecord) error

	// Insert 写入新记录，id 为空时由存储分配；id 已存在返回 ErrDuplicatedRecord
	Insert(ctx context.Context, rec IRecord) error

	// CompareAndSwap 当存储中的版本等于 expectedVersion 时整体写入 rec，并将版本置为 expectedVersion+1
	// 版本不匹配返回 ErrVersionConflict，记录不存在返回 ErrRecordNotFound
	CompareAndSwap(ctx context.Context, expectedVersion int64, rec IRecord) error

	// Find 查询与 query 非零字段全部相等的记录，按 id 升序写入 result，result 形如 *[]*Product
	Find(ctx context.Context, query IRecord, result interface{}) error
}

type ITransaction interface {
	// Begin 开启事务，返回带有事务标识的 context，该 context 会原样传递给 Commit 或者 RollBack 方法
	Begin(ctx context.Context) (context.Context, error)
	// Commit 提交事务
	Commit(ctx context.Context) error
	// RollBack 回滚事务
	RollBack(ctx context.Context) error
	// InTransaction context 是否已经携带事务
	InTransaction(ctx context.Context) bool
}

// RunInTransaction 在事务内执行 fn，store 不支持事务时直接执行
// ctx 已处于事务中时复用外层事务
func RunInTransaction(ctx context.Context, store IStore, fn func(ctx context.Context) error) (err error) {
	tx, ok := store.(ITransaction)
	if !ok || tx.InTransaction(ctx) {
		return fn(ctx)
	}

	txCtx, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.RollBack(txCtx)
			panic(r)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := tx.RollBack(txCtx); rbErr != nil {
			return ErrList{err, rbErr}
		}
		return err
	}
	return tx.Commit(txCtx)
}

type ErrList []error

func (e ErrList) Error() string {
	errs := make([]string, 0)
	for _, err := range e {
		errs = append(errs, err.Error())
	}
	return strings.Join(errs, ", ")
}

func (e ErrList) Unwrap() []error {
	return e
}
