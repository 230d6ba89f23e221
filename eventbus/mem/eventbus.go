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

package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger/stdr"
)

var ErrNoHandler = fmt.Errorf("no event handler registered")

// MemoryEventBus 进程内异步事件总线，事件按发送顺序由单个 goroutine 依次处理
type MemoryEventBus struct {
	ch     chan *tradecore.DomainEvent
	cb     tradecore.DomainEventHandler
	logger logr.Logger

	once sync.Once
	wg   sync.WaitGroup
}

func NewEventBus(capacity int, l ...logr.Logger) *MemoryEventBus {
	e := &MemoryEventBus{
		ch:     make(chan *tradecore.DomainEvent, capacity),
		logger: stdr.NewStdr("mem_eventbus"),
	}
	if len(l) > 0 {
		e.logger = l[0]
	}
	return e
}

// Dispatch 写入队列，队列满时阻塞直到 ctx 结束
func (e *MemoryEventBus) Dispatch(ctx context.Context, evts ...*tradecore.DomainEvent) error {
	for _, evt := range evts {
		select {
		case e.ch <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *MemoryEventBus) RegisterEventHandler(cb tradecore.DomainEventHandler) {
	e.cb = cb
}

// Start 启动消费协程，ctx 结束后退出，队列中未处理的事件丢弃
func (e *MemoryEventBus) Start(ctx context.Context) error {
	if e.cb == nil {
		return ErrNoHandler
	}
	run := func() {
		defer e.wg.Done()
		for {
			select {
			case evt := <-e.ch:
				if err := e.cb(ctx, evt); err != nil {
					e.logger.Error(err, "handle event failed", "id", evt.ID, "type", evt.Type)
				}
			case <-ctx.Done():
				return
			}
		}
	}
	// 确保只启动一次
	e.once.Do(func() {
		e.wg.Add(1)
		go run()
	})
	return nil
}

// Wait 等待消费协程退出
func (e *MemoryEventBus) Wait() {
	e.wg.Wait()
}

// Pending 队列中尚未处理的事件数
func (e *MemoryEventBus) Pending() int {
	return len(e.ch)
}
