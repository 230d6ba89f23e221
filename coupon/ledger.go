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

package coupon

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

var ErrCouponNotFound = fmt.Errorf("coupon not found")
var ErrGrantNotFound = fmt.Errorf("coupon grant not found")
var ErrAlreadyIssued = fmt.Errorf("coupon already issued to user")
var ErrNotIssuable = fmt.Errorf("coupon not issuable")
var ErrSoldOut = fmt.Errorf("coupon sold out")
var ErrNotIssued = fmt.Errorf("coupon grant not in issued state")
var ErrAlreadyUsed = fmt.Errorf("coupon grant already used")
var ErrBelowMinimum = fmt.Errorf("order amount below coupon minimum")
var ErrInvalidCoupon = fmt.Errorf("invalid coupon")
var ErrDuplicateCode = fmt.Errorf("coupon code already exists")
var ErrInvalidStatus = fmt.Errorf("invalid coupon status transition")
var ErrInvalidAmount = fmt.Errorf("order amount must not be negative")

// ErrIssueConflict 发券重试耗尽仍然版本冲突
var ErrIssueConflict = fmt.Errorf("coupon issue conflict")

var defaultLogger = stdr.NewStdr("coupon_ledger")

const defaultMinorUnit = 2

type Options struct {
	Logger    logr.Logger
	Metrics   *metrics.Metrics
	Retry     []tradecore.RetryOption
	Now       func() time.Time
	MinorUnit int32 // 金额保留的小数位
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

func WithMinorUnit(places int32) Option {
	return func(opt *Options) {
		opt.MinorUnit = places
	}
}

// Params 新建券的参数
type Params struct {
	Code           string
	Name           string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	TotalIssuable  int64
	PerUserLimit   int64 // 默认 1
	ValidFrom      *time.Time
	ValidTo        *time.Time
	MinOrderAmount decimal.Decimal // 默认 0
}

func (p *Params) validate() error {
	switch {
	case p.Code == "":
		return fmt.Errorf("%w: code is required", ErrInvalidCoupon)
	case p.DiscountType != DiscountFixed && p.DiscountType != DiscountPercentage:
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalidCoupon, p.DiscountType)
	case !p.DiscountValue.IsPositive():
		return fmt.Errorf("%w: discount value must be positive", ErrInvalidCoupon)
	case p.DiscountType == DiscountPercentage && p.DiscountValue.GreaterThan(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: percentage must not exceed 100", ErrInvalidCoupon)
	case p.TotalIssuable <= 0:
		return fmt.Errorf("%w: total issuable must be positive", ErrInvalidCoupon)
	case p.PerUserLimit != 1:
		// 一个用户对一张券只有一条领取记录
		return fmt.Errorf("%w: per user limit must be 1", ErrInvalidCoupon)
	case p.MinOrderAmount.IsNegative():
		return fmt.Errorf("%w: min order amount must not be negative", ErrInvalidCoupon)
	case p.ValidFrom != nil && p.ValidTo != nil && !p.ValidFrom.Before(*p.ValidTo):
		return fmt.Errorf("%w: valid from must be before valid to", ErrInvalidCoupon)
	}
	return nil
}

// Ledger 独占 Coupon.IssuedCount 与领取记录的创建
type Ledger struct {
	store     tradecore.IStore
	logger    logr.Logger
	metrics   *metrics.Metrics
	retry     []tradecore.RetryOption
	now       func() time.Time
	minorUnit int32
}

func NewLedger(store tradecore.IStore, opts ...Option) *Ledger {
	opt := Options{
		Logger:    defaultLogger,
		Now:       time.Now,
		MinorUnit: defaultMinorUnit,
	}
	for _, o := range opts {
		o(&opt)
	}
	l := &Ledger{
		store:     store,
		logger:    opt.Logger,
		metrics:   opt.Metrics,
		now:       opt.Now,
		minorUnit: opt.MinorUnit,
	}
	l.retry = append([]tradecore.RetryOption{
		tradecore.WithRetryLogger(opt.Logger),
		tradecore.WithOnRetry(func(attempt uint, err error) {
			l.metrics.Conflict("coupon")
		}),
	}, opt.Retry...)
	return l
}

// Create 新建草稿状态的券，券码唯一
func (l *Ledger) Create(ctx context.Context, p Params) (*Coupon, error) {
	if p.PerUserLimit == 0 {
		p.PerUserLimit = 1
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	now := l.now()
	c := &Coupon{
		Code:           p.Code,
		Name:           p.Name,
		DiscountType:   p.DiscountType,
		DiscountValue:  p.DiscountValue,
		TotalIssuable:  p.TotalIssuable,
		PerUserLimit:   p.PerUserLimit,
		ValidFrom:      p.ValidFrom,
		ValidTo:        p.ValidTo,
		MinOrderAmount: p.MinOrderAmount,
		Status:         StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := tradecore.RunInTransaction(ctx, l.store, func(ctx context.Context) error {
		if err := l.store.Insert(ctx, c); err != nil {
			return err
		}
		return l.store.Insert(ctx, &codeIndex{BaseRecord: tradecore.BaseRecord{ID: c.Code}, CouponID: c.ID})
	})
	if errors.Is(err, tradecore.ErrDuplicatedRecord) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, p.Code)
	}
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return c, nil
}

func (l *Ledger) Get(ctx context.Context, couponID string) (*Coupon, error) {
	c := &Coupon{}
	if err := l.store.Get(ctx, couponID, c); err != nil {
		if errors.Is(err, tradecore.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCouponNotFound, couponID)
		}
		return nil, err
	}
	return c, nil
}

func (l *Ledger) GetByCode(ctx context.Context, code string) (*Coupon, error) {
	idx := &codeIndex{}
	if err := l.store.Get(ctx, code, idx); err != nil {
		if errors.Is(err, tradecore.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: code %s", ErrCouponNotFound, code)
		}
		return nil, err
	}
	return l.Get(ctx, idx.CouponID)
}

// PublishedCoupons 当前可发放的券
func (l *Ledger) PublishedCoupons(ctx context.Context) ([]*Coupon, error) {
	coupons := make([]*Coupon, 0)
	if err := l.store.Find(ctx, &Coupon{Status: StatusPublished}, &coupons); err != nil {
		return nil, err
	}
	now := l.now()
	result := make([]*Coupon, 0, len(coupons))
	for _, c := range coupons {
		if c.InWindow(now) {
			result = append(result, c)
		}
	}
	return result, nil
}

func (l *Ledger) Publish(ctx context.Context, couponID string) (*Coupon, error) {
	return l.setStatus(ctx, couponID, StatusPublished, StatusDraft, StatusPaused)
}

func (l *Ledger) Pause(ctx context.Context, couponID string) (*Coupon, error) {
	return l.setStatus(ctx, couponID, StatusPaused, StatusPublished)
}

func (l *Ledger) Expire(ctx context.Context, couponID string) (*Coupon, error) {
	return l.setStatus(ctx, couponID, StatusExpired, StatusDraft, StatusPublished, StatusPaused)
}

func (l *Ledger) setStatus(ctx context.Context, couponID string, to Status, from ...Status) (*Coupon, error) {
	var coupon *Coupon
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		c, err := l.Get(ctx, couponID)
		if err != nil {
			return err
		}
		if c.Status == to {
			coupon = c
			return nil
		}
		allowed := false
		for _, s := range from {
			allowed = allowed || c.Status == s
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, c.Status, to)
		}
		expected := c.Version
		c.Status = to
		c.UpdatedAt = l.now()
		if err := l.store.CompareAndSwap(ctx, expected, c); err != nil {
			return err
		}
		coupon = c
		return nil
	}, l.retry...)
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

// Issue 先到先得发券
// 依次校验：已领取 -> 券状态与有效期 -> 发放上限，每次尝试都基于重新读取的状态
// 计数递增与领取记录在同一事务提交，重复领取的失败方不会占用名额
func (l *Ledger) Issue(ctx context.Context, couponID, userID string) (*Grant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrNotIssuable)
	}
	var grant *Grant
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		g, err := l.issueOnce(ctx, couponID, userID)
		grant = g
		return err
	}, l.retry...)
	l.metrics.Issuance(issueResult(err))
	if errors.Is(err, tradecore.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %w", ErrIssueConflict, err)
	}
	if err != nil {
		return nil, err
	}
	l.logger.V(logger.LevelDebug).Info("coupon issued", "coupon", couponID, "user", userID)
	return grant, nil
}

func (l *Ledger) issueOnce(ctx context.Context, couponID, userID string) (*Grant, error) {
	grantID := GrantID(couponID, userID)
	if err := l.store.Get(ctx, grantID, &Grant{}); err == nil {
		return nil, ErrAlreadyIssued
	} else if !errors.Is(err, tradecore.ErrRecordNotFound) {
		return nil, err
	}

	c, err := l.Get(ctx, couponID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if !c.Issuable(now) {
		return nil, fmt.Errorf("%w: coupon %s is %s", ErrNotIssuable, couponID, c.Status)
	}
	if c.SoldOut() {
		return nil, ErrSoldOut
	}

	expected := c.Version
	c.IssuedCount++
	c.UpdatedAt = now
	grant := &Grant{
		BaseRecord: tradecore.BaseRecord{ID: grantID},
		CouponID:   couponID,
		UserID:     userID,
		Status:     GrantIssued,
		IssuedAt:   now,
	}
	err = tradecore.RunInTransaction(ctx, l.store, func(ctx context.Context) error {
		if err := l.store.CompareAndSwap(ctx, expected, c); err != nil {
			return err
		}
		return l.store.Insert(ctx, grant)
	})
	if err != nil {
		// 版本冲突优先于重复领取，保证冲突时重新走一遍校验
		if !errors.Is(err, tradecore.ErrVersionConflict) && errors.Is(err, tradecore.ErrDuplicatedRecord) {
			return nil, ErrAlreadyIssued
		}
		return nil, err
	}
	return grant, nil
}

func (l *Ledger) GetGrant(ctx context.Context, grantID string) (*Grant, error) {
	g := &Grant{}
	if err := l.store.Get(ctx, grantID, g); err != nil {
		if errors.Is(err, tradecore.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
		}
		return nil, err
	}
	return g, nil
}

func (l *Ledger) UserGrants(ctx context.Context, userID string) ([]*Grant, error) {
	grants := make([]*Grant, 0)
	if err := l.store.Find(ctx, &Grant{UserID: userID}, &grants); err != nil {
		return nil, err
	}
	return grants, nil
}

// Redeem 核销 ISSUED -> USED，记录订单与使用时间
func (l *Ledger) Redeem(ctx context.Context, grantID, orderID string) (*Grant, error) {
	return l.mutateGrant(ctx, grantID, func(g *Grant) (bool, error) {
		switch g.Status {
		case GrantIssued:
		case GrantUsed:
			return false, fmt.Errorf("%w: grant %s used by order %s", ErrAlreadyUsed, grantID, g.OrderID)
		default:
			return false, fmt.Errorf("%w: grant %s is %s", ErrNotIssued, grantID, g.Status)
		}
		now := l.now()
		g.Status = GrantUsed
		g.OrderID = orderID
		g.UsedAt = &now
		return true, nil
	})
}

// ExpireGrant 过期未使用的领取记录，已使用的不能过期
func (l *Ledger) ExpireGrant(ctx context.Context, grantID string) (*Grant, error) {
	return l.mutateGrant(ctx, grantID, func(g *Grant) (bool, error) {
		switch g.Status {
		case GrantIssued:
			g.Status = GrantExpired
			return true, nil
		case GrantUsed:
			return false, fmt.Errorf("%w: grant %s", ErrAlreadyUsed, grantID)
		default:
			return false, nil
		}
	})
}

func (l *Ledger) mutateGrant(ctx context.Context, grantID string, f func(g *Grant) (bool, error)) (*Grant, error) {
	var grant *Grant
	err := tradecore.RetryOnConflict(ctx, func(ctx context.Context) error {
		g, err := l.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		expected := g.Version
		changed, err := f(g)
		if err != nil {
			return err
		}
		if changed {
			if err := l.store.CompareAndSwap(ctx, expected, g); err != nil {
				return err
			}
		}
		grant = g
		return nil
	}, l.retry...)
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// CalculateDiscount 计算订单可抵扣金额
// FIXED 原样返回固定金额，是否超过订单金额由订单设置折扣时校验；PERCENTAGE 按比例计算并四舍五入到最小货币单位
func (l *Ledger) CalculateDiscount(ctx context.Context, couponID string, orderAmount decimal.Decimal) (decimal.Decimal, error) {
	if orderAmount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	c, err := l.Get(ctx, couponID)
	if err != nil {
		return decimal.Zero, err
	}
	if orderAmount.LessThan(c.MinOrderAmount) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, orderAmount, c.MinOrderAmount)
	}
	switch c.DiscountType {
	case DiscountFixed:
		return c.DiscountValue, nil
	case DiscountPercentage:
		return orderAmount.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).Round(l.minorUnit), nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown discount type %q", ErrInvalidCoupon, c.DiscountType)
}

func issueResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyIssued):
		return "already_issued"
	case errors.Is(err, ErrSoldOut):
		return "sold_out"
	case errors.Is(err, ErrNotIssuable):
		return "not_issuable"
	case errors.Is(err, tradecore.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
