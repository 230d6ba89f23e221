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
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"
)

type EventType string

// EventHandler 特定领域事件的处理器，必须是带有 2 个入参的函数类型，第一个参数为 context.Context 类型
// 第二个为与 EventType 匹配的事件数据指针类型，示例 func(ctx context.Context, evt *order.StatusChanged) error
// 当第二个参数声明为 *DomainEvent 时传入原始事件，业务事件以序列化形式存在 DomainEvent.Payload 中
type EventHandler interface{}

// DomainEventHandler 通用 DomainEvent 的事件处理器
type DomainEventHandler func(ctx context.Context, evt *DomainEvent) error

type IEvent interface {
	GetType() EventType // 事件类型
	GetSender() string  // 发送者id
}

type DomainEvent struct {
	ID        string
	Type      EventType
	Sender    string // 事件发出记录的 ID
	Payload   []byte
	CreatedAt time.Time
}

func (d *DomainEvent) GetType() EventType {
	return d.Type
}

func (d *DomainEvent) GetSender() string {
	return d.Sender
}

func NewDomainEvent(event IEvent) (*DomainEvent, error) {
	bs, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("event marshal failed, err=%w", err)
	}
	return &DomainEvent{
		ID:        xid.New().String(),
		Type:      event.GetType(),
		Sender:    event.GetSender(),
		Payload:   bs,
		CreatedAt: time.Now(),
	}, nil
}

type IEventBus interface {
	// Dispatch 发送领域事件，在状态变更提交之后调用
	Dispatch(ctx context.Context, evt ...*DomainEvent) error

	// RegisterEventHandler 注册事件回调，IEventBus 的实现必须保证收到事件后调用该回调
	RegisterEventHandler(cb DomainEventHandler)
}

// NoEventBus 丢弃所有事件
type NoEventBus struct {
}

func (d *NoEventBus) Dispatch(ctx context.Context, evt ...*DomainEvent) error {
	return nil
}

func (d *NoEventBus) RegisterEventHandler(cb DomainEventHandler) {
}

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()
var domainEventType = reflect.TypeOf(DomainEvent{})

type eventHandler struct {
	f         reflect.Value // the actual callback function
	eventType reflect.Type  // 存储实际事件类型
}

// EventRouter 按事件类型分发到已注册的处理器，Handle 作为 IEventBus 的回调入口
type EventRouter struct {
	mu       sync.RWMutex
	handlers map[EventType][]*eventHandler
	logger   logr.Logger
}

func NewEventRouter(l ...logr.Logger) *EventRouter {
	r := &EventRouter{handlers: map[EventType][]*eventHandler{}, logger: defaultLogger}
	if len(l) > 0 {
		r.logger = l[0]
	}
	return r
}

// Register 注册事件处理器，handler 签名不合法时 panic
func (r *EventRouter) Register(t EventType, handler EventHandler) {
	handlerType := reflect.TypeOf(handler)
	if handlerType.Kind() != reflect.Func {
		panic("handler must type of reflect.Func")
	}
	if handlerType.NumIn() != 2 || !handlerType.In(0).Implements(ctxType) {
		panic("handler must has 2 args and the first must be type of context.Context")
	}
	if handlerType.NumOut() != 1 || !handlerType.Out(0).Implements(errType) {
		panic("handler must has error as output")
	}
	argType := handlerType.In(1)
	if argType.Kind() != reflect.Ptr {
		panic("event type must be pointer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], &eventHandler{
		f:         reflect.ValueOf(handler),
		eventType: argType.Elem(),
	})
}

// Bind 将 router 注册为 eventBus 的回调
func (r *EventRouter) Bind(eventBus IEventBus) {
	eventBus.RegisterEventHandler(r.Handle)
}

// Handle 依次调用事件类型对应的处理器，遇到第一个错误即返回
func (r *EventRouter) Handle(ctx context.Context, evt *DomainEvent) error {
	r.mu.RLock()
	handlers := r.handlers[evt.Type]
	r.mu.RUnlock()

	for _, h := range handlers {
		var bizEvt reflect.Value
		if h.eventType == domainEventType {
			bizEvt = reflect.ValueOf(evt)
		} else {
			bizEvt = reflect.New(h.eventType)
			if err := json.Unmarshal(evt.Payload, bizEvt.Interface()); err != nil {
				r.logger.Error(err, "unmarshal event failed", "type", evt.Type)
				return err
			}
		}

		outs := h.f.Call([]reflect.Value{reflect.ValueOf(ctx), bizEvt})
		if !outs[0].IsNil() {
			return outs[0].Interface().(error)
		}
	}
	return nil
}
