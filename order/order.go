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
	"time"

	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal 终态不再变化
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusExpired
}

type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorUser   ActorType = "USER"
	ActorAdmin  ActorType = "ADMIN"
)

const (
	ReasonCreated   = "order created"
	ReasonPaid      = "payment completed"
	ReasonTimeout   = "payment timeout"
	ReasonCancelled = "order cancelled"
)

type Order struct {
	tradecore.BaseRecord

	UserID        string          `gorm:"column:user_id;type:varchar(64);index"`
	Status        Status          `gorm:"column:status;type:varchar(16);index"`
	Total         decimal.Decimal `gorm:"column:total;type:decimal(20,2)"`
	DiscountTotal decimal.Decimal `gorm:"column:discount_total;type:decimal(20,2)"`
	ShippingFee   decimal.Decimal `gorm:"column:shipping_fee;type:decimal(20,2)"`
	CouponGrantID string          `gorm:"column:coupon_grant_id;type:varchar(128)"`
	ExpiresAt     time.Time       `gorm:"column:expires_at;index"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (o *Order) TableName() string {
	return "trade_order"
}

// FinalAmount total + shippingFee - discountTotal
func (o *Order) FinalAmount() decimal.Decimal {
	return o.Total.Add(o.ShippingFee).Sub(o.DiscountTotal)
}

// Overdue 超过支付期限，expiresAt 当时仍可支付
func (o *Order) Overdue(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Item 订单行，单价是下单时的快照，创建后不再修改
type Item struct {
	tradecore.BaseRecord

	OrderID   string          `gorm:"column:order_id;type:varchar(128);index"`
	ProductID string          `gorm:"column:product_id;type:varchar(128);index"`
	Qty       int64           `gorm:"column:qty;not null"`
	UnitPrice decimal.Decimal `gorm:"column:unit_price;type:decimal(20,2)"`
	Discount  decimal.Decimal `gorm:"column:discount;type:decimal(20,2)"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func (i *Item) TableName() string {
	return "trade_order_item"
}

func (i *Item) Amount() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Qty))
}

// History 状态变更审计，只追加
type History struct {
	tradecore.BaseRecord

	OrderID    string    `gorm:"column:order_id;type:varchar(128);index"`
	FromStatus Status    `gorm:"column:from_status;type:varchar(16)"` // 创建记录为空
	ToStatus   Status    `gorm:"column:to_status;type:varchar(16)"`
	Reason     string    `gorm:"column:reason;type:varchar(255)"`
	ActorType  ActorType `gorm:"column:actor_type;type:varchar(16)"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (h *History) TableName() string {
	return "trade_order_history"
}

// Line 下单行
type Line struct {
	ProductID string
	Qty       int64
	UnitPrice decimal.Decimal
}

func Records() []tradecore.IRecord {
	return []tradecore.IRecord{&Order{}, &Item{}, &History{}}
}

const (
	EventOrderCreated   tradecore.EventType = "order.created"
	EventOrderPaid      tradecore.EventType = "order.paid"
	EventOrderCancelled tradecore.EventType = "order.cancelled"
	EventOrderExpired   tradecore.EventType = "order.expired"
)

var statusEvents = map[Status]tradecore.EventType{
	StatusPending:   EventOrderCreated,
	StatusPaid:      EventOrderPaid,
	StatusCancelled: EventOrderCancelled,
	StatusExpired:   EventOrderExpired,
}

// StatusChanged 订单状态变更事件，创建时 From 为空
type StatusChanged struct {
	Type      tradecore.EventType
	OrderID   string
	UserID    string
	From      Status
	To        Status
	ExpiresAt time.Time
}

func (e *StatusChanged) GetType() tradecore.EventType {
	return e.Type
}

func (e *StatusChanged) GetSender() string {
	return e.OrderID
}
