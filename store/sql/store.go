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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"gorm.io/gorm"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
)

var ErrInvalidDB = fmt.Errorf("invalid db")
var ErrNoTransaction = fmt.Errorf("no transaction")

var defaultLogger = stdr.NewStdr("sql_store")

type Options struct {
	IDGenerator tradecore.IIDGenerator
	Logger      logr.Logger
}

type Option func(opt *Options)

func WithIDGenerator(g tradecore.IIDGenerator) Option {
	return func(opt *Options) {
		opt.IDGenerator = g
	}
}

func WithLogger(l logr.Logger) Option {
	return func(opt *Options) {
		opt.Logger = l
	}
}

// 确保外面拿不到内部的 key
type contextKey string

// Store 基于 gorm 的 IStore，CompareAndSwap 通过 UPDATE ... WHERE id = ? AND version = ? 实现
type Store struct {
	db     *gorm.DB
	idGen  tradecore.IIDGenerator
	logger logr.Logger
	txKey  contextKey
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	opt := Options{
		IDGenerator: &tradecore.XIDGenerator{},
		Logger:      defaultLogger,
	}
	for _, o := range opts {
		o(&opt)
	}
	return &Store{
		db:     db,
		idGen:  opt.IDGenerator,
		logger: opt.Logger,
		txKey:  contextKey(fmt.Sprintf("sql_store_tx_%d", time.Now().UnixNano())),
	}
}

// Migrate 建表
func (s *Store) Migrate(records ...tradecore.IRecord) error {
	models := make([]interface{}, 0, len(records))
	for _, r := range records {
		models = append(models, r)
	}
	return s.db.AutoMigrate(models...)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(s.txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func isDuplicated(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	// 未开启 TranslateError 时按驱动的错误信息判断
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func (s *Store) Get(ctx context.Context, id string, out tradecore.IRecord) error {
	// out 上残留的主键会被 gorm 当作查询条件，先清零
	v := reflect.ValueOf(out).Elem()
	v.Set(reflect.Zero(v.Type()))

	err := s.conn(ctx).Where("id = ?", id).Take(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tradecore.ErrRecordNotFound
	}
	return err
}

func (s *Store) Insert(ctx context.Context, rec tradecore.IRecord) error {
	if rec.GetID() == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return err
		}
		rec.SetID(id)
	}
	if err := s.conn(ctx).Create(rec).Error; err != nil {
		if isDuplicated(err) {
			return fmt.Errorf("%w: %s/%s", tradecore.ErrDuplicatedRecord, rec.TableName(), rec.GetID())
		}
		return err
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, rec tradecore.IRecord) error {
	db := s.conn(ctx)
	prev := rec.GetVersion()
	rec.SetVersion(expectedVersion + 1)
	res := db.Model(rec).Where("version = ?", expectedVersion).Select("*").Updates(rec)
	if res.Error != nil {
		rec.SetVersion(prev)
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 没有更新到行，区分记录不存在与版本冲突
	rec.SetVersion(prev)
	var count int64
	if err := db.Table(rec.TableName()).Where("id = ?", rec.GetID()).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return tradecore.ErrRecordNotFound
	}
	s.logger.V(logger.LevelDebug).Info("compare and swap lost", "table", rec.TableName(), "id", rec.GetID(), "expected", expectedVersion)
	return tradecore.ErrVersionConflict
}

func (s *Store) Find(ctx context.Context, query tradecore.IRecord, result interface{}) error {
	return s.conn(ctx).Where(query).Order("id").Find(result).Error
}

func (s *Store) Begin(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.db == nil {
		return ctx, ErrInvalidDB
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return ctx, fmt.Errorf("start transation failed, err=%w", tx.Error)
	}
	return context.WithValue(ctx, s.txKey, tx), nil
}

func (s *Store) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(s.txKey).(*gorm.DB)
	return ok
}

func (s *Store) Commit(ctx context.Context) error {
	tx, ok := ctx.Value(s.txKey).(*gorm.DB)
	if !ok {
		return ErrNoTransaction
	}
	if err := tx.Commit().Error; err != nil {
		if isDuplicated(err) {
			return fmt.Errorf("%w: %s", tradecore.ErrDuplicatedRecord, err)
		}
		return err
	}
	return nil
}

func (s *Store) RollBack(ctx context.Context) error {
	tx, ok := ctx.Value(s.txKey).(*gorm.DB)
	if !ok {
		return ErrNoTransaction
	}
	return tx.Rollback().Error
}
