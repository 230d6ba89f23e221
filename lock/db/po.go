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

package db

import (
	"time"
)

// ResourceLock 一行对应一把锁，LockerID 标识持有者，解锁与续期都校验持有者，避免锁过期后误操作其他实例的锁
type ResourceLock struct {
	ID        uint   `gorm:"primarykey;autoIncrement"`
	Resource  string `gorm:"type:varchar(255);unique"`
	LockerID  string `gorm:"type:varchar(64);index:idx_locker_id"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ResourceLock) TableName() string {
	return "trade_resource_lock"
}
