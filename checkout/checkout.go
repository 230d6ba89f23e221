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

package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore/coupon"
	"github.com/bytedance/tradecore/idempotency"
	"github.com/bytedance/tradecore/inventory"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
	"github.com/bytedance/tradecore/metrics"
	"github.com/bytedance/tradecore/order"
)

var ErrEmptyCart = fmt.Errorf("cart is empty")
var ErrMissingIdempotencyKey = fmt.Errorf("idempotency key required")
var ErrIdempotencyKeyReused = fmt.Errorf("idempotency key used for another order")
var ErrRequestInProgress = fmt.Errorf("payment request with the same key in progress")
var ErrGrantNotOwned = fmt.Errorf("coupon grant not owned by order user")

// ErrPaymentFailed 重放的失败结果无法对应到具体错误时返回
var ErrPaymentFailed = fmt.Errorf("payment failed")

var defaultLogger = stdr.NewStdr("checkout")

// ICart 购物车，只读
type ICart interface {
	GetLines(ctx context.Context, cartID string) ([]order.Line, error)
}

type IOrders interface {
	Create(ctx context.Context, userID string, lines []order.Line, opts ...order.CallOption) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
	ApplyDiscount(ctx context.Context, orderID string, amount decimal.Decimal, opts ...order.CallOption) (*order.Order, error)
	Pay(ctx context.Context, orderID string, opts ...order.CallOption) (*order.Order, error)
}

type ICoupons interface {
	GetGrant(ctx context.Context, grantID string) (*coupon.Grant, error)
	CalculateDiscount(ctx context.Context, couponID string, orderAmount decimal.Decimal) (decimal.Decimal, error)
	Redeem(ctx context.Context, grantID, orderID string) (*coupon.Grant, error)
}

// 终态业务错误，幂等键记为 FAILED，相同请求重放同一错误
var terminalErrors = []struct {
	code string
	err  error
}{
	{"order_not_found", order.ErrOrderNotFound},
	{"order_expired", order.ErrOrderExpired},
	{"order_not_pending", order.ErrNotPending},
	{"product_not_found", inventory.ErrProductNotFound},
	{"insufficient_stock", inventory.ErrInsufficientStock},
	{"grant_not_found", coupon.ErrGrantNotFound},
	{"coupon_already_used", coupon.ErrAlreadyUsed},
	{"coupon_not_issued", coupon.ErrNotIssued},
}

func terminalCode(err error) (string, bool) {
	for _, t := range terminalErrors {
		if errors.Is(err, t.err) {
			return t.code, true
		}
	}
	return "", false
}

func errorOf(code string) error {
	for _, t := range terminalErrors {
		if t.code == code {
			return t.err
		}
	}
	return ErrPaymentFailed
}

type Options struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics
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

// Orchestrator 组合订单、库存与优惠券完成下单和支付
type Orchestrator struct {
	cart    ICart
	orders  IOrders
	coupons ICoupons
	keys    idempotency.IKeyStore
	logger  logr.Logger
	metrics *metrics.Metrics
}

func NewOrchestrator(cart ICart, orders IOrders, coupons ICoupons, keys idempotency.IKeyStore, opts ...Option) *Orchestrator {
	opt := Options{Logger: defaultLogger}
	for _, o := range opts {
		o(&opt)
	}
	return &Orchestrator{
		cart:    cart,
		orders:  orders,
		coupons: coupons,
		keys:    keys,
		logger:  opt.Logger,
		metrics: opt.Metrics,
	}
}

// CreateOrderFromCart 按购物车当前内容创建待支付订单
func (c *Orchestrator) CreateOrderFromCart(ctx context.Context, userID, cartID string, opts ...order.CallOption) (*order.Order, error) {
	lines, err := c.cart.GetLines(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("read cart %s: %w", cartID, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCart, cartID)
	}
	return c.orders.Create(ctx, userID, lines, opts...)
}

// ApplyCoupon 用已领取的券为待支付订单设置折扣，券在支付成功时核销
func (c *Orchestrator) ApplyCoupon(ctx context.Context, orderID, grantID string) (*order.Order, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	g, err := c.coupons.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.UserID != o.UserID {
		return nil, fmt.Errorf("%w: grant %s", ErrGrantNotOwned, grantID)
	}
	switch g.Status {
	case coupon.GrantIssued:
	case coupon.GrantUsed:
		return nil, fmt.Errorf("%w: grant %s", coupon.ErrAlreadyUsed, grantID)
	default:
		return nil, fmt.Errorf("%w: grant %s is %s", coupon.ErrNotIssued, grantID, g.Status)
	}
	discount, err := c.coupons.CalculateDiscount(ctx, g.CouponID, o.Total)
	if err != nil {
		return nil, err
	}
	return c.orders.ApplyDiscount(ctx, orderID, discount, order.WithCouponGrant(grantID))
}

// PayOrder 支付订单，同一幂等键至多产生一次支付效果
// 已成功的请求返回当前订单，以终态错误结束的请求重放该错误
func (c *Orchestrator) PayOrder(ctx context.Context, orderID, idempotencyKey string) (*order.Order, error) {
	if idempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	state, claimed, err := c.keys.Claim(ctx, idempotencyKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		return c.replay(ctx, orderID, state)
	}
	c.metrics.Idempotency("claimed")

	o, err := c.orders.Pay(ctx, orderID, order.WithBeforeCommit(c.redeem))
	// 支付结果已经确定，幂等键状态写入不受调用方取消影响
	kctx := context.WithoutCancel(ctx)
	switch code, terminal := terminalCode(err); {
	case err == nil:
		c.complete(kctx, idempotencyKey, idempotency.KeySucceeded, "")
	case terminal:
		c.complete(kctx, idempotencyKey, idempotency.KeyFailed, code)
	default:
		if rerr := c.keys.Release(kctx, idempotencyKey); rerr != nil {
			c.logger.Error(rerr, "release idempotency key failed", "key", idempotencyKey, "order", orderID)
		}
	}
	return o, err
}

func (c *Orchestrator) replay(ctx context.Context, orderID string, state idempotency.KeyState) (*order.Order, error) {
	if state.OrderID != orderID {
		c.metrics.Idempotency("reused")
		return nil, fmt.Errorf("%w: key %s belongs to order %s", ErrIdempotencyKeyReused, state.Key, state.OrderID)
	}
	switch state.Status {
	case idempotency.KeySucceeded:
		c.metrics.Idempotency("replayed")
		return c.orders.Get(ctx, orderID)
	case idempotency.KeyFailed:
		c.metrics.Idempotency("replayed")
		return nil, fmt.Errorf("%w: replayed for key %s", errorOf(state.ErrorCode), state.Key)
	default:
		c.metrics.Idempotency("in_progress")
		return nil, fmt.Errorf("%w: key %s", ErrRequestInProgress, state.Key)
	}
}

func (c *Orchestrator) complete(ctx context.Context, key string, status idempotency.KeyStatus, code string) {
	if err := c.keys.Complete(ctx, key, status, code); err != nil {
		c.logger.Error(err, "complete idempotency key failed", "key", key, "status", status)
		return
	}
	c.logger.V(logger.LevelDebug).Info("idempotency key completed", "key", key, "status", status, "code", code)
}

// redeem 在订单转为 PAID 的事务内核销订单使用的券
func (c *Orchestrator) redeem(ctx context.Context, o *order.Order) error {
	if o.CouponGrantID == "" {
		return nil
	}
	if _, err := c.coupons.Redeem(ctx, o.CouponGrantID, o.ID); err != nil {
		return fmt.Errorf("redeem grant %s: %w", o.CouponGrantID, err)
	}
	return nil
}

// MemCart 进程内购物车，用于测试与示例
type MemCart struct {
	mu    sync.RWMutex
	carts map[string][]order.Line
}

func NewMemCart() *MemCart {
	return &MemCart{carts: map[string][]order.Line{}}
}

func (m *MemCart) Put(cartID string, lines ...order.Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[cartID] = append(m.carts[cartID], lines...)
}

func (m *MemCart) GetLines(ctx context.Context, cartID string) ([]order.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := make([]order.Line, len(m.carts[cartID]))
	copy(lines, m.carts[cartID])
	return lines, nil
}

var _ ICart = (*MemCart)(nil)
var _ IOrders = (*order.Lifecycle)(nil)
var _ ICoupons = (*coupon.Ledger)(nil)
