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
	"time"

	"github.com/shopspring/decimal"

	"github.com/bytedance/tradecore"
)

type Product struct {
	tradecore.BaseRecord

	Name      string          `gorm:"column:name;type:varchar(255)"`
	Price     decimal.Decimal `gorm:"column:price;type:decimal(20,2)"`
	StockQty  int64           `gorm:"column:stock_qty;not null"`
	IsActive  bool            `gorm:"column:is_active"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (p *Product) TableName() string {
	return "inventory_product"
}

func (p *Product) HasStock(qty int64) bool {
	return p.StockQty >= qty
}
