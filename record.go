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
	"fmt"

	"github.com/rs/xid"
)

var ErrRecordNotFound = fmt.Errorf("record not found")
var ErrVersionConflict = fmt.Errorf("version conflict")
var ErrDuplicatedRecord = fmt.Errorf("record already exists")

// IRecord 带版本号的存储记录，所有写入都以版本号做 compare-and-swap
type IRecord interface {
	GetID() string
	SetID(id string)
	GetVersion() int64
	SetVersion(v int64)
	TableName() string
}

// BaseRecord 记录的公共字段，业务记录通过嵌入获得 IRecord 的 ID/Version 实现
type BaseRecord struct {
	ID      string `gorm:"primaryKey;column:id;type:varchar(128)"`
	Version int64  `gorm:"column:version;not null"`
}

func (r *BaseRecord) GetID() string {
	return r.ID
}

func (r *BaseRecord) SetID(id string) {
	r.ID = id
}

func (r *BaseRecord) GetVersion() int64 {
	return r.Version
}

func (r *BaseRecord) SetVersion(v int64) {
	r.Version = v
}

type IIDGenerator interface {
	NewID() (string, error)
}

// XIDGenerator 默认的 ID 生成器，同一进程内生成的 ID 按字典序递增
type XIDGenerator struct {
}

func (g *XIDGenerator) NewID() (string, error) {
	return xid.New().String(), nil
}
