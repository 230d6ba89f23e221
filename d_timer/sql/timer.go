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
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"gorm.io/gorm"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
)

const defaultInterval = time.Second

var defaultLogger = stdr.NewStdr("db_timer")

type Options struct {
	RunInterval time.Duration
	Logger      logr.Logger
	Now         func() time.Time
}

type Option func(opt *Options)

func WithInterval(d time.Duration) Option {
	return func(opt *Options) {
		opt.RunInterval = d
	}
}

func WithLogger(l logr.Logger) Option {
	return func(opt *Options) {
		opt.Logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(opt *Options) {
		opt.Now = now
	}
}

// DBTimer 基于数据库的定时器，多个实例可以同时轮询同一张表
// 每次触发通过版本号抢占，同一次触发只有一个实例执行回调
type DBTimer struct {
	service string
	db      *gorm.DB
	cb      tradecore.TimerHandler
	opt     Options
	logger  logr.Logger

	once sync.Once
	wg   sync.WaitGroup
}

var _ tradecore.ITimer = (*DBTimer)(nil)

func NewDBTimer(service string, db *gorm.DB, opts ...Option) *DBTimer {
	if service == "" {
		panic("service name is required")
	}
	opt := Options{
		RunInterval: defaultInterval,
		Logger:      defaultLogger,
		Now:         time.Now,
	}
	for _, o := range opts {
		o(&opt)
	}
	return &DBTimer{
		service: service,
		db:      db,
		opt:     opt,
		logger:  opt.Logger,
	}
}

func (t *DBTimer) Migrate() error {
	return t.db.AutoMigrate(&Job{})
}

func (t *DBTimer) now() time.Time {
	return t.opt.Now().UTC()
}

func (t *DBTimer) RunCron(key, cronExp string, data []byte) error {
	job := &Job{
		Service: t.service,
		Key:     key,
		Cron:    cronExp,
		Payload: data,
	}
	if err := job.Next(t.now()); err != nil {
		return err
	}
	return t.create(job)
}

func (t *DBTimer) RunOnce(key string, runTime time.Time, data []byte) error {
	if runTime.Before(t.now()) {
		return tradecore.ErrTimerOverdue
	}
	job := &Job{
		Service:  t.service,
		Key:      key,
		NextTime: runTime.UTC(),
		Payload:  data,
		Status:   JobToRun,
	}
	return t.create(job)
}

// create key 已存在时保留原有定时
func (t *DBTimer) create(job *Job) error {
	return t.db.Where(Job{Service: t.service, Key: job.Key}).Attrs(job).FirstOrCreate(&Job{}).Error
}

func (t *DBTimer) Cancel(key string) error {
	return t.db.Where(Job{Service: t.service, Key: key}).Delete(&Job{}).Error
}

func (t *DBTimer) RegisterTimerHandler(cb tradecore.TimerHandler) {
	t.cb = cb
}

// claim 推进 job 到下一次执行时间，版本号不匹配说明本次触发已被其他实例抢占
func (t *DBTimer) claim(ctx context.Context, job *Job) (bool, error) {
	expected := job.Version
	if err := job.Next(t.now()); err != nil {
		t.logger.Error(err, "invalid timer job", "jobID", job.ID, "cron", job.Cron)
	}
	job.Version = expected + 1
	res := t.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND version = ? AND status = ?", job.ID, expected, JobToRun).
		Updates(map[string]interface{}{
			"next_time":  job.NextTime,
			"status":     job.Status,
			"msg":        job.Msg,
			"version":    job.Version,
			"updated_at": t.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *DBTimer) fail(ctx context.Context, job *Job, err error) error {
	job.Close(err)
	return t.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]interface{}{"status": job.Status, "msg": job.Msg, "updated_at": t.now()}).Error
}

// handleJobs 执行所有到期的 job，返回执行了回调的数量
func (t *DBTimer) handleJobs(ctx context.Context) (int, error) {
	jobs := make([]*Job, 0)
	if err := t.db.WithContext(ctx).Where(
		"service = ? AND next_time <= ? AND status = ?", t.service, t.now(), JobToRun,
	).Order("next_time").Find(&jobs).Error; err != nil {
		return 0, err
	}

	fired := 0
	for _, job := range jobs {
		key, cronExp, payload := job.Key, job.Cron, job.Payload
		ok, err := t.claim(ctx, job)
		if err != nil {
			t.logger.Error(err, "claim timer job failed", "jobID", job.ID)
			continue
		}
		if !ok {
			t.logger.V(logger.LevelDebug).Info("timer job claimed by others", "jobID", job.ID)
			continue
		}
		fired++

		// 回调在抢占提交之后执行，不持有数据库事务
		if err := t.cb(ctx, key, cronExp, payload); err != nil {
			t.logger.Error(err, "timer job callback failed", "jobID", job.ID, "key", key)
			if cronExp == "" {
				if err := t.fail(ctx, job, err); err != nil {
					t.logger.Error(err, "mark timer job failed", "jobID", job.ID)
				}
			}
		}
	}
	return fired, nil
}

// Start 启动轮询协程，ctx 结束后退出
func (t *DBTimer) Start(ctx context.Context) {
	t.once.Do(func() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ticker := time.NewTicker(t.opt.RunInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := t.handleJobs(ctx); err != nil {
						t.logger.Error(err, "handle job failed")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Wait 等待轮询协程退出
func (t *DBTimer) Wait() {
	t.wg.Wait()
}
