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
	"time"

	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore"
)

type DiscountType string

const (
	DiscountFixed      DiscountType = "FIXED"
	DiscountPercentage DiscountType = "PERCENTAGE"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusPaused    Status = "PAUSED"
	StatusExpired   Status = "EXPIRED"
)

type GrantStatus string

const (
	GrantIssued  GrantStatus = "ISSUED"
	GrantUsed    GrantStatus = "USED"
	GrantExpired GrantStatus = "EXPIRED"
)

type Coupon struct {
	tradecore.BaseRecord

	Code           string          `gorm:"column:code;type:varchar(64);uniqueIndex"`
	Name           string          `gorm:"column:name;type:varchar(255)"`
	DiscountType   DiscountType    `gorm:"column:discount_type;type:varchar(16)"`
	DiscountValue  decimal.Decimal `gorm:"column:discount_value;type:decimal(20,2)"`
	TotalIssuable  int64           `gorm:"column:total_issuable;not null"`
	IssuedCount    int64           `gorm:"column:issued_count;not null"`
	PerUserLimit   int64           `gorm:"column:per_user_limit"`
	ValidFrom      *time.Time      `gorm:"column:valid_from"`
	ValidTo        *time.Time      `gorm:"column:valid_to"`
	MinOrderAmount decimal.Decimal `gorm:"column:min_order_amount;type:decimal(20,2)"`
	Status         Status          `gorm:"column:status;type:varchar(16);index"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (c *Coupon) TableName() string {
	return "coupon"
}

// InWindow 有效期为 [validFrom, validTo)，未设置的一端不限制
func (c *Coupon) InWindow(now time.Time) bool {
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidTo != nil && !now.Before(*c.ValidTo) {
		return false
	}
	return true
}

func (c *Coupon) Issuable(now time.Time) bool {
	return c.Status == StatusPublished && c.InWindow(now)
}

func (c *Coupon) SoldOut() bool {
	return c.IssuedCount >= c.TotalIssuable
}

func (c *Coupon) Remaining() int64 {
	return c.TotalIssuable - c.IssuedCount
}

// Grant 用户领取记录，id 由 (couponID, userID) 派生，存储的主键唯一约束保证每个用户至多一条
type Grant struct {
	tradecore.BaseRecord

	CouponID string      `gorm:"column:coupon_id;type:varchar(64);index"`
	UserID   string      `gorm:"column:user_id;type:varchar(64);index"`
	OrderID  string      `gorm:"column:order_id;type:varchar(64)"`
	Status   GrantStatus `gorm:"column:status;type:varchar(16)"`
	IssuedAt time.Time   `gorm:"column:issued_at"`
	UsedAt   *time.Time  `gorm:"column:used_at"`
}

func (g *Grant) TableName() string {
	return "coupon_user"
}

func GrantID(couponID, userID string) string {
	return couponID + ":" + userID
}

// codeIndex 券码到券的映射，主键即券码
type codeIndex struct {
	tradecore.BaseRecord

	CouponID string `gorm:"column:coupon_id;type:varchar(64)"`
}

func (c *codeIndex) TableName() string {
	return "coupon_code"
}

// Records 需要建表的记录
func Records() []tradecore.IRecord {
	return []tradecore.IRecord{&Coupon{}, &Grant{}, &codeIndex{}}
}
