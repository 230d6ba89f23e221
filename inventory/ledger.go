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

package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
	"github.com/bytedance/tradecore/metrics"
)

var ErrProductNotFound = fmt.Errorf("product not found")
var ErrInsufficientStock = fmt.Errorf("insufficient stock")
var ErrInvalidQuantity = fmt.Errorf("quantity must be positive")
var ErrInvalidPrice = fmt.Errorf("price must not be negative")

// ErrStockConflict 重试耗尽仍然版本冲突，与库存不足区分
var ErrStockConflict = fmt.Errorf("stock update conflict")

var defaultLogger = stdr.NewStdr("inventory_ledger")

type Options struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics
	Retry   []tradecore.RetryOption
	Now     func() time.Time
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

// WithRetry 设置冲突重试参数，默认 10 次指数退避加抖动
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

// Ledger 独占 Product 库存与版本的修改
type Ledger struct {
	store   tradecore.IStore
	logger  logr.Logger
	metrics *metrics.Metrics
	retry   []tradecore.RetryOption
	now     func() time.Time
}

func NewLedger(store tradecore.IStore, opts ...Option) *Ledger {
	opt := Options{
		Logger: defaultLogger,
		Now:    time.Now,
	}
	for _, o := range opts {
		o(&opt)
	}
	l := &Ledger{
		store:   store,
		logger:  opt.Logger,
		metrics: opt.Metrics,
		now:     opt.Now,
	}
	l.retry = append([]tradecore.RetryOption{
		tradecore.WithRetryLogger(opt.Logger),
		tradecore.WithOnRetry(func(attempt uint, err error) {
			l.metrics.Conflict("inventory")
		}),
	}, opt.Retry...)
	return l
}

func (l *Ledger) Create(ctx context.Context, name string, price decimal.Decimal, stock int64) (*Product, error) {
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	if stock < 0 {
		return nil, ErrInvalidQuantity
	}
	now := l.now()
	p := &Product{
		Name:      name,
		Price:     price,
		StockQty:  stock,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	return p, nil
}

func (l *Ledger) Get(ctx context.Context, productID string) (*Product, error) {
	p := &Product{}
	if err := l.store.Get(ctx, productID, p); err != nil {
		if errors.Is(err, tradecore.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, err
	}
	return p, nil
}

// Decrement 扣减库存，expectedVersion 必须等于当前版本
// 库存不足优先于版本校验返回，调用方不应重试；版本不匹配返回 tradecore.ErrVersionConflict，可重读后重试
func (l *Ledger) Decrement(ctx context.Context, productID string, qty, expectedVersion int64) (*Product, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	p, err := l.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.HasStock(qty) {
		return p, fmt.Errorf("%w: product %s has %d, want %d", ErrInsufficientStock, productID, p.StockQty, qty)
	}
	if p.Version != expectedVersion {
		return p, fmt.Errorf("decrement product %s at version %d: %w", productID, expectedVersion, tradecore.ErrVersionConflict)
	}

	p.StockQty -= qty
	p.UpdatedAt = l.now()
	if err := l.store.CompareAndSwap(ctx, expectedVersion, p); err != nil {
		return nil, fmt.Errorf("decrement product %s: %w", productID, err)
	}
	l.logger.V(logger.LevelDebug).Info("stock decremented", "product", productID, "qty", qty, "stock", p.StockQty, "version", p.Version)
	return p, nil
}

// DecrementWithRetry 每次重试都重新读取当前版本后扣减
// 重试耗尽返回 ErrStockConflict，库存不足立即返回 ErrInsufficientStock
func (l *Ledger) DecrementWithRetry(ctx context.Context, productID string, qty int64) (*Product, error) {
	var product *Product
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		current, err := l.Get(ctx, productID)
		if err != nil {
			return err
		}
		product, err = l.Decrement(ctx, productID, qty, current.Version)
		return err
	}, l.retry...)
	l.metrics.Stock("decrement", stockResult(err))
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %w", ErrStockConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

// Increase 补充库存，内部按 CAS 重试，不会丢失并发的更新
func (l *Ledger) Increase(ctx context.Context, productID string, qty int64) (*Product, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	p, err := l.mutate(ctx, productID, func(p *Product) error {
		p.StockQty += qty
		return nil
	})
	l.metrics.Stock("increase", stockResult(err))
	return p, err
}

func (l *Ledger) UpdatePrice(ctx context.Context, productID string, price decimal.Decimal) (*Product, error) {
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	return l.mutate(ctx, productID, func(p *Product) error {
		p.Price = price
		return nil
	})
}

// Deactivate 下架商品，商品不会被删除
func (l *Ledger) Deactivate(ctx context.Context, productID string) (*Product, error) {
	return l.mutate(ctx, productID, func(p *Product) error {
		p.IsActive = false
		return nil
	})
}

func (l *Ledger) Activate(ctx context.Context, productID string) (*Product, error) {
	return l.mutate(ctx, productID, func(p *Product) error {
		p.IsActive = true
		return nil
	})
}

func (l *Ledger) mutate(ctx context.Context, productID string, f func(p *Product) error) (*Product, error) {
	var product *Product
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		p, err := l.Get(ctx, productID)
		if err != nil {
			return err
		}
		expected := p.Version
		if err := f(p); err != nil {
			return err
		}
		p.UpdatedAt = l.now()
		if err := l.store.CompareAndSwap(ctx, expected, p); err != nil {
			return fmt.Errorf("update product %s: %w", productID, err)
		}
		product = p
		return nil
	}, l.retry...)
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %w", ErrStockConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

func stockResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, tradecore.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
