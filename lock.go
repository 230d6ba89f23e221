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
	"fmt"
)

var ErrResourceLocked = fmt.Errorf("resource locked")

// ILock 任务锁，只用于保证后台任务单实例运行，不参与记录写入的正确性
type ILock interface {
	Lock(ctx context.Context, key string) (keyLock interface{}, err error)
	UnLock(ctx context.Context, keyLock interface{}) error
}

// WithLock 持有 key 锁执行 fn，fn 返回后释放
func WithLock(ctx context.Context, l ILock, key string, fn func(ctx context.Context) error) error {
	keyLock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.UnLock(ctx, keyLock); err != nil {
			defaultLogger.Error(err, "unlock failed", "key", key)
		}
	}()
	return fn(ctx)
}
