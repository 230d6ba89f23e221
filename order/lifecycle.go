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

package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/inventory"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
	"github.com/bytedance/tradecore/metrics"
)

var ErrOrderNotFound = fmt.Errorf("order not found")
var ErrEmptyOrder = fmt.Errorf("order has no lines")
var ErrInvalidLine = fmt.Errorf("invalid order line")
var ErrInvalidShippingFee = fmt.Errorf("shipping fee must not be negative")
var ErrInvalidDiscount = fmt.Errorf("invalid discount amount")
var ErrNotPending = fmt.Errorf("order not pending")
var ErrOrderExpired = fmt.Errorf("order expired")
var ErrOrderNotExpired = fmt.Errorf("order payment window not elapsed")
var ErrOrderPaid = fmt.Errorf("order already paid")

// ErrOrderConflict 订单被并发修改，本次操作未生效
var ErrOrderConflict = fmt.Errorf("order update conflict")

var defaultLogger = stdr.NewStdr("order_lifecycle")

const DefaultTTL = 30 * time.Minute

// IInventory 支付时扣减与回补库存
type IInventory interface {
	DecrementWithRetry(ctx context.Context, productID string, qty int64) (*inventory.Product, error)
	Increase(ctx context.Context, productID string, qty int64) (*inventory.Product, error)
}

// Hook 在状态变更的事务内、提交前执行，返回错误则整个变更回滚
type Hook func(ctx context.Context, o *Order) error

type Options struct {
	Logger   logr.Logger
	Metrics  *metrics.Metrics
	EventBus tradecore.IEventBus
	Retry    []tradecore.RetryOption
	Now      func() time.Time
	TTL      time.Duration
}

type Option func(opt *Options)

func WithLogger(l logr.Logger) Option {
	return func(opt *Options) {
		opt.Logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(opt *Options) {
		opt.Metrics = m
	}
}

func WithEventBus(eventBus tradecore.IEventBus) Option {
	return func(opt *Options) {
		opt.EventBus = eventBus
	}
}

func WithRetry(opts ...tradecore.RetryOption) Option {
	return func(opt *Options) {
		opt.Retry = append(opt.Retry, opts...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(opt *Options) {
		opt.Now = now
	}
}

// WithDefaultTTL 待支付订单的默认有效期，默认 30 分钟
func WithDefaultTTL(ttl time.Duration) Option {
	return func(opt *Options) {
		opt.TTL = ttl
	}
}

type callOptions struct {
	shippingFee decimal.Decimal
	ttl         time.Duration
	actor       ActorType
	reason      string
	grantID     string
	hooks       []Hook
}

// CallOption 单次调用的参数
type CallOption func(opt *callOptions)

func WithShippingFee(fee decimal.Decimal) CallOption {
	return func(opt *callOptions) {
		opt.shippingFee = fee
	}
}

// WithTTL 覆盖本订单的支付有效期
func WithTTL(ttl time.Duration) CallOption {
	return func(opt *callOptions) {
		opt.ttl = ttl
	}
}

// WithActor 指定审计记录的操作方与原因
func WithActor(actor ActorType, reason string) CallOption {
	return func(opt *callOptions) {
		opt.actor = actor
		opt.reason = reason
	}
}

// WithCouponGrant 记录折扣对应的领券记录
func WithCouponGrant(grantID string) CallOption {
	return func(opt *callOptions) {
		opt.grantID = grantID
	}
}

func WithBeforeCommit(h Hook) CallOption {
	return func(opt *callOptions) {
		opt.hooks = append(opt.hooks, h)
	}
}

// Lifecycle 订单状态机，独占订单状态变更与审计记录
// PENDING -> PAID | CANCELLED | EXPIRED，终态不再变化
type Lifecycle struct {
	store     tradecore.IStore
	inventory IInventory
	eventBus  tradecore.IEventBus
	logger    logr.Logger
	metrics   *metrics.Metrics
	retry     []tradecore.RetryOption
	now       func() time.Time
	ttl       time.Duration
}

func NewLifecycle(store tradecore.IStore, inv IInventory, opts ...Option) *Lifecycle {
	opt := Options{
		Logger:   defaultLogger,
		EventBus: &tradecore.NoEventBus{},
		Now:      time.Now,
		TTL:      DefaultTTL,
	}
	for _, o := range opts {
		o(&opt)
	}
	l := &Lifecycle{
		store:     store,
		inventory: inv,
		eventBus:  opt.EventBus,
		logger:    opt.Logger,
		metrics:   opt.Metrics,
		now:       opt.Now,
		ttl:       opt.TTL,
	}
	l.retry = append([]tradecore.RetryOption{
		tradecore.WithRetryLogger(opt.Logger),
		tradecore.WithOnRetry(func(attempt uint, err error) {
			l.metrics.Conflict("order")
		}),
	}, opt.Retry...)
	return l
}

func (l *Lifecycle) callOptions(opts []CallOption) callOptions {
	co := callOptions{ttl: l.ttl, shippingFee: decimal.Zero}
	for _, o := range opts {
		o(&co)
	}
	return co
}

// Create 按下单行快照价格创建待支付订单
func (l *Lifecycle) Create(ctx context.Context, userID string, lines []Line, opts ...CallOption) (*Order, error) {
	co := l.callOptions(opts)
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	if co.shippingFee.IsNegative() {
		return nil, ErrInvalidShippingFee
	}

	now := l.now()
	total := decimal.Zero
	items := make([]*Item, 0, len(lines))
	for i, line := range lines {
		if line.ProductID == "" || line.Qty <= 0 || line.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: line %d", ErrInvalidLine, i)
		}
		item := &Item{
			ProductID: line.ProductID,
			Qty:       line.Qty,
			UnitPrice: line.UnitPrice,
			Discount:  decimal.Zero,
			CreatedAt: now,
		}
		total = total.Add(item.Amount())
		items = append(items, item)
	}

	o := &Order{
		UserID:        userID,
		Status:        StatusPending,
		Total:         total,
		DiscountTotal: decimal.Zero,
		ShippingFee:   co.shippingFee,
		ExpiresAt:     now.Add(co.ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := tradecore.RunInTransaction(ctx, l.store, func(ctx context.Context) error {
		if err := l.store.Insert(ctx, o); err != nil {
			return err
		}
		for _, item := range items {
			item.OrderID = o.ID
			if err := l.store.Insert(ctx, item); err != nil {
				return err
			}
		}
		return l.store.Insert(ctx, l.history(o.ID, "", StatusPending, ActorSystem, ReasonCreated))
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	l.metrics.Transition("", string(StatusPending))
	l.publish(ctx, o, "")
	return o, nil
}

func (l *Lifecycle) Get(ctx context.Context, orderID string) (*Order, error) {
	o := &Order{}
	if err := l.store.Get(ctx, orderID, o); err != nil {
		if errors.Is(err, tradecore.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return o, nil
}

func (l *Lifecycle) Items(ctx context.Context, orderID string) ([]*Item, error) {
	items := make([]*Item, 0)
	if err := l.store.Find(ctx, &Item{OrderID: orderID}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// History 按 createdAt、id 升序返回审计记录
// 多实例写入时 id 只在单个进程内有序，不能单独作为排序依据
func (l *Lifecycle) History(ctx context.Context, orderID string) ([]*History, error) {
	rows := make([]*History, 0)
	if err := l.store.Find(ctx, &History{OrderID: orderID}, &rows); err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (l *Lifecycle) UserOrders(ctx context.Context, userID string) ([]*Order, error) {
	orders := make([]*Order, 0)
	if err := l.store.Find(ctx, &Order{UserID: userID}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (l *Lifecycle) PendingOrders(ctx context.Context) ([]*Order, error) {
	orders := make([]*Order, 0)
	if err := l.store.Find(ctx, &Order{Status: StatusPending}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ApplyDiscount 设置折扣金额，只允许待支付订单，折扣不能超过 total + shippingFee
func (l *Lifecycle) ApplyDiscount(ctx context.Context, orderID string, amount decimal.Decimal, opts ...CallOption) (*Order, error) {
	co := l.callOptions(opts)
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDiscount, amount)
	}
	var result *Order
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := l.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return fmt.Errorf("%w: order %s is %s", ErrNotPending, orderID, o.Status)
		}
		if amount.GreaterThan(o.Total.Add(o.ShippingFee)) {
			return fmt.Errorf("%w: %s exceeds order amount", ErrInvalidDiscount, amount)
		}
		expected := o.Version
		o.DiscountTotal = amount
		if co.grantID != "" {
			o.CouponGrantID = co.grantID
		}
		o.UpdatedAt = l.now()
		if err := l.store.CompareAndSwap(ctx, expected, o); err != nil {
			return err
		}
		result = o
		return nil
	}, l.retry...)
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %w", ErrOrderConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pay 支付订单
// 过期订单在此时惰性转为 EXPIRED；逐行扣减库存，任意一行失败则回补已扣减的行，订单保持 PENDING
// 全部扣减成功后以读取时的版本把订单 CAS 为 PAID，CAS 失败同样回补库存
func (l *Lifecycle) Pay(ctx context.Context, orderID string, opts ...CallOption) (*Order, error) {
	co := l.callOptions(opts)
	if co.actor == "" {
		co.actor, co.reason = ActorUser, ReasonPaid
	}

	o, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusPending:
	case StatusExpired:
		return o, fmt.Errorf("%w: order %s", ErrOrderExpired, orderID)
	default:
		return o, fmt.Errorf("%w: order %s is %s", ErrNotPending, orderID, o.Status)
	}

	if o.Overdue(l.now()) {
		expired, err := l.Expire(ctx, orderID)
		if err != nil {
			return o, err
		}
		if expired.Status == StatusExpired {
			return expired, fmt.Errorf("%w: order %s", ErrOrderExpired, orderID)
		}
		return expired, fmt.Errorf("%w: order %s is %s", ErrNotPending, orderID, expired.Status)
	}

	items, err := l.Items(ctx, orderID)
	if err != nil {
		return o, err
	}
	decremented := make([]*Item, 0, len(items))
	for _, item := range items {
		if _, err := l.inventory.DecrementWithRetry(ctx, item.ProductID, item.Qty); err != nil {
			return o, l.compensate(ctx, o, decremented, fmt.Errorf("pay order %s: %w", orderID, err))
		}
		decremented = append(decremented, item)
	}

	if err := l.transition(ctx, o, StatusPaid, co.actor, co.reason, co.hooks); err != nil {
		if errors.Is(err, tradecore.ErrVersionConflict) {
			err = fmt.Errorf("%w: %w", ErrOrderConflict, err)
		}
		return o, l.compensate(ctx, o, decremented, fmt.Errorf("pay order %s: %w", orderID, err))
	}
	l.logger.V(logger.LevelDebug).Info("order paid", "order", orderID, "amount", o.FinalAmount().String())
	return o, nil
}

// compensate 回补已扣减的库存，调用方取消 ctx 也要执行完
func (l *Lifecycle) compensate(ctx context.Context, o *Order, items []*Item, cause error) error {
	if len(items) == 0 {
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	errs := tradecore.ErrList{cause}
	for _, item := range items {
		if _, err := l.inventory.Increase(ctx, item.ProductID, item.Qty); err != nil {
			l.logger.Error(err, "re-credit stock failed", "order", o.ID, "product", item.ProductID, "qty", item.Qty)
			errs = append(errs, fmt.Errorf("re-credit product %s: %w", item.ProductID, err))
		}
	}
	if len(errs) == 1 {
		return cause
	}
	return errs
}

// Cancel 取消待支付订单，已支付订单不能通过此途径取消
func (l *Lifecycle) Cancel(ctx context.Context, orderID string, opts ...CallOption) (*Order, error) {
	co := l.callOptions(opts)
	if co.actor == "" {
		co.actor, co.reason = ActorUser, ReasonCancelled
	}
	var result *Order
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := l.Get(ctx, orderID)
		if err != nil {
			return err
		}
		result = o
		switch o.Status {
		case StatusPending:
		case StatusPaid:
			return fmt.Errorf("%w: order %s", ErrOrderPaid, orderID)
		default:
			return fmt.Errorf("%w: order %s is %s", ErrNotPending, orderID, o.Status)
		}
		return l.transition(ctx, o, StatusCancelled, co.actor, co.reason, co.hooks)
	}, l.retry...)
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return result, fmt.Errorf("%w: %w", ErrOrderConflict, err)
	}
	return result, err
}

// Expire 超过支付期限的待支付订单转为 EXPIRED
// 非待支付订单直接返回当前状态；未到期返回 ErrOrderNotExpired
func (l *Lifecycle) Expire(ctx context.Context, orderID string) (*Order, error) {
	var result *Order
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := l.Get(ctx, orderID)
		if err != nil {
			return err
		}
		result = o
		if o.Status != StatusPending {
			return nil
		}
		if !o.Overdue(l.now()) {
			return fmt.Errorf("%w: order %s expires at %s", ErrOrderNotExpired, orderID, o.ExpiresAt.Format(time.RFC3339))
		}
		return l.transition(ctx, o, StatusExpired, ActorSystem, ReasonTimeout, nil)
	}, l.retry...)
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return result, fmt.Errorf("%w: %w", ErrOrderConflict, err)
	}
	return result, err
}

// transition 在一个事务内 CAS 订单状态并追加审计记录，提交后发送事件
func (l *Lifecycle) transition(ctx context.Context, o *Order, to Status, actor ActorType, reason string, hooks []Hook) error {
	from, expected, updatedAt := o.Status, o.Version, o.UpdatedAt
	o.Status = to
	o.UpdatedAt = l.now()
	err := tradecore.RunInTransaction(ctx, l.store, func(ctx context.Context) error {
		if err := l.store.CompareAndSwap(ctx, expected, o); err != nil {
			return err
		}
		if err := l.store.Insert(ctx, l.history(o.ID, from, to, actor, reason)); err != nil {
			return err
		}
		for _, h := range hooks {
			if err := h(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.Status, o.Version, o.UpdatedAt = from, expected, updatedAt
		return err
	}

	l.metrics.Transition(string(from), string(to))
	l.publish(ctx, o, from)
	return nil
}

func (l *Lifecycle) history(orderID string, from, to Status, actor ActorType, reason string) *History {
	return &History{
		OrderID:    orderID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		ActorType:  actor,
		CreatedAt:  l.now(),
	}
}

// publish 状态已经提交，事件发送失败只记录日志
func (l *Lifecycle) publish(ctx context.Context, o *Order, from Status) {
	evt, err := tradecore.NewDomainEvent(&StatusChanged{
		Type:      statusEvents[o.Status],
		OrderID:   o.ID,
		UserID:    o.UserID,
		From:      from,
		To:        o.Status,
		ExpiresAt: o.ExpiresAt,
	})
	if err == nil {
		err = l.eventBus.Dispatch(ctx, evt)
	}
	if err != nil {
		l.logger.Error(err, "dispatch order event failed", "order", o.ID, "status", o.Status)
	}
}
