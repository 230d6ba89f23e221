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

package sql

import (
	"time"

	"github.com/robfig/cron"

	"github.com/bytedance/tradecore"
)

type JobStatus int

const (
	JobToRun    JobStatus = 1
	JobFinished JobStatus = 2
	JobFailed   JobStatus = 3
)

// Job 定时任务，时间统一按 UTC 存储
type Job struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Service   string    `gorm:"column:service;type:varchar(64);uniqueIndex:idx_service_key;not null"`
	Key       string    `gorm:"column:key;type:varchar(128);uniqueIndex:idx_service_key;not null"`
	Cron      string    `gorm:"column:cron;type:varchar(64)"`
	NextTime  time.Time `gorm:"column:next_time;index;not null"`
	Status    JobStatus `gorm:"column:status;type:tinyint"`
	Version   int64     `gorm:"column:version;not null"`
	Msg       string    `gorm:"column:msg;type:varchar(255)"`
	Payload   []byte    `gorm:"column:payload"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (j *Job) TableName() string {
	return "trade_timer"
}

// Next 计算下一次执行时间，单次任务直接结束
func (j *Job) Next(now time.Time) error {
	if j.Cron == "" {
		j.Close(nil)
		return nil
	}
	schedule, err := cron.Parse(j.Cron)
	if err != nil {
		j.Close(err)
		return err
	}
	j.NextTime = schedule.Next(now).UTC()
	j.Status = JobToRun
	return nil
}

func (j *Job) Close(err error) {
	if err == nil || err == tradecore.ErrTimerOverdue {
		j.Status = JobFinished
		return
	}
	j.Status = JobFailed
	j.Msg = err.Error()
	if len(j.Msg) > 255 {
		j.Msg = j.Msg[:255]
	}
}
