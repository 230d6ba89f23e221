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
	"time"
)

var ErrNoTimerFound = fmt.Errorf("no timer found")
var ErrTimerOverdue = fmt.Errorf("timer run time already passed")

// TimerHandler 定时到达时的回调
type TimerHandler func(ctx context.Context, key, cron string, data []byte) error

type ITimer interface {
	// RegisterTimerHandler 注册定时任务，定时到来时候调用该回调函数
	RegisterTimerHandler(cb TimerHandler)

	// RunCron 按照 cron 语法设置定时，并在定时到达后作为参数调用定时任务回调
	// key: 定时任务唯一标识，重复调用时不覆盖已有计时; cron: 定时配置; data: 透传数据，回调函数传入
	RunCron(key, cron string, data []byte) error

	// RunOnce 指定时间单次运行
	// key: 定时任务唯一标识，重复调用时不覆盖已有计时; t: 执行时间; data: 透传数据，回调函数传入
	RunOnce(key string, t time.Time, data []byte) error

	// Cancel 删除某个定时
	Cancel(key string) error
}

type NoTimer struct {
}

func (d *NoTimer) RunCron(key, cron string, data []byte) error {
	return ErrNoTimerFound
}

func (d *NoTimer) RunOnce(key string, t time.Time, data []byte) error {
	return ErrNoTimerFound
}

func (d *NoTimer) RegisterTimerHandler(cb TimerHandler) {
}

func (d *NoTimer) Cancel(key string) error {
	return nil
}
