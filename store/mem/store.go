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

package mem

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/bytedance/tradecore"
	"github.com/bytedance/tradecore/logger"
	"github.com/bytedance/tradecore/logger/stdr"
)

var ErrTypeMismatch = fmt.Errorf("record type mismatch")
var ErrNoTransaction = fmt.Errorf("no transaction")
var ErrTransactionDone = fmt.Errorf("transaction has already been committed or rolled back")

var defaultLogger = stdr.NewStdr("mem_store")

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

type recordKey struct {
	table string
	id    string
}

type opType int8

const (
	opInsert opType = 1
	opCAS    opType = 2
)

type write struct {
	op       opType
	key      recordKey
	expected int64
	val      reflect.Value
}

// memTx 乐观事务，写入先暂存，提交时在全局锁内重新校验版本与唯一性后一次性生效
type memTx struct {
	mu     sync.Mutex
	writes []write
	staged map[recordKey]reflect.Value
	done   bool
}

// Store 内存版 IStore，存储的是记录的浅拷贝，已存储的值只会被整体替换，不会被原地修改
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]reflect.Value

	idGen  tradecore.IIDGenerator
	logger logr.Logger
	txKey  contextKey
}

func NewStore(opts ...Option) *Store {
	opt := Options{
		IDGenerator: &tradecore.XIDGenerator{},
		Logger:      defaultLogger,
	}
	for _, o := range opts {
		o(&opt)
	}
	return &Store{
		records: map[recordKey]reflect.Value{},
		idGen:   opt.IDGenerator,
		logger:  opt.Logger,
		txKey:   contextKey(fmt.Sprintf("mem_store_tx_%d", time.Now().UnixNano())),
	}
}

func clone(rec interface{}) reflect.Value {
	v := reflect.ValueOf(rec)
	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())
	return c
}

func assign(out tradecore.IRecord, stored reflect.Value) error {
	ov := reflect.ValueOf(out)
	if ov.Kind() != reflect.Ptr || ov.Elem().Type() != stored.Elem().Type() {
		return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, stored.Elem().Type(), ov.Type())
	}
	ov.Elem().Set(stored.Elem())
	return nil
}

func versionOf(v reflect.Value) int64 {
	return v.Interface().(tradecore.IRecord).GetVersion()
}

func keyOf(rec tradecore.IRecord) recordKey {
	return recordKey{table: rec.TableName(), id: rec.GetID()}
}

func (s *Store) getTx(ctx context.Context) *memTx {
	t, _ := ctx.Value(s.txKey).(*memTx)
	return t
}

func (s *Store) committed(k recordKey) (reflect.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[k]
	return v, ok
}

func (s *Store) Get(ctx context.Context, id string, out tradecore.IRecord) error {
	k := recordKey{table: out.TableName(), id: id}
	if t := s.getTx(ctx); t != nil {
		t.mu.Lock()
		v, ok := t.staged[k]
		t.mu.Unlock()
		if ok {
			return assign(out, v)
		}
	}
	v, ok := s.committed(k)
	if !ok {
		return tradecore.ErrRecordNotFound
	}
	return assign(out, v)
}

func (s *Store) Insert(ctx context.Context, rec tradecore.IRecord) error {
	if rec.GetID() == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return err
		}
		rec.SetID(id)
	}
	k := keyOf(rec)

	if t := s.getTx(ctx); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.done {
			return ErrTransactionDone
		}
		if _, ok := t.staged[k]; ok {
			return tradecore.ErrDuplicatedRecord
		}
		if _, ok := s.committed(k); ok {
			return tradecore.ErrDuplicatedRecord
		}
		v := clone(rec)
		t.staged[k] = v
		t.writes = append(t.writes, write{op: opInsert, key: k, val: v})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k]; ok {
		return tradecore.ErrDuplicatedRecord
	}
	s.records[k] = clone(rec)
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, rec tradecore.IRecord) error {
	k := keyOf(rec)

	if t := s.getTx(ctx); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.done {
			return ErrTransactionDone
		}
		cur, ok := t.staged[k]
		if !ok {
			cur, ok = s.committed(k)
		}
		if !ok {
			return tradecore.ErrRecordNotFound
		}
		if versionOf(cur) != expectedVersion {
			return tradecore.ErrVersionConflict
		}
		rec.SetVersion(expectedVersion + 1)
		v := clone(rec)
		t.staged[k] = v
		t.writes = append(t.writes, write{op: opCAS, key: k, expected: expectedVersion, val: v})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[k]
	if !ok {
		return tradecore.ErrRecordNotFound
	}
	if versionOf(cur) != expectedVersion {
		return tradecore.ErrVersionConflict
	}
	rec.SetVersion(expectedVersion + 1)
	s.records[k] = clone(rec)
	return nil
}

func (s *Store) Find(ctx context.Context, query tradecore.IRecord, result interface{}) error {
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("result must be pointer of slice")
	}
	if rv.Elem().Type().Elem() != reflect.TypeOf(query) {
		return fmt.Errorf("%w: element of result must be %T", ErrTypeMismatch, query)
	}
	table := query.TableName()
	conds := nonZeroFields(reflect.ValueOf(query).Elem(), nil)

	candidates := map[string]reflect.Value{}
	s.mu.RLock()
	for k, v := range s.records {
		if k.table == table {
			candidates[k.id] = v
		}
	}
	s.mu.RUnlock()
	if t := s.getTx(ctx); t != nil {
		t.mu.Lock()
		for k, v := range t.staged {
			if k.table == table {
				candidates[k.id] = v
			}
		}
		t.mu.Unlock()
	}

	ids := make([]string, 0, len(candidates))
	for id, v := range candidates {
		if match(v.Elem(), conds) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	list := reflect.MakeSlice(rv.Elem().Type(), 0, len(ids))
	for _, id := range ids {
		list = reflect.Append(list, clone(candidates[id].Interface()))
	}
	rv.Elem().Set(list)
	return nil
}

type cond struct {
	index []int
	val   interface{}
}

// nonZeroFields 收集查询条件，嵌入结构体展开处理
func nonZeroFields(v reflect.Value, prefix []int) []cond {
	conds := make([]cond, 0)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		index := append(append([]int{}, prefix...), i)
		fv := v.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			conds = append(conds, nonZeroFields(fv, index)...)
			continue
		}
		if !fv.IsZero() {
			conds = append(conds, cond{index: index, val: fv.Interface()})
		}
	}
	return conds
}

func match(v reflect.Value, conds []cond) bool {
	for _, c := range conds {
		if !reflect.DeepEqual(v.FieldByIndex(c.index).Interface(), c.val) {
			return false
		}
	}
	return true
}

func (s *Store) Begin(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, s.txKey, &memTx{staged: map[recordKey]reflect.Value{}}), nil
}

func (s *Store) InTransaction(ctx context.Context) bool {
	return s.getTx(ctx) != nil
}

func (s *Store) Commit(ctx context.Context) error {
	t := s.getTx(ctx)
	if t == nil {
		return ErrNoTransaction
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.done = true

	s.mu.Lock()
	defer s.mu.Unlock()
	overlay := make(map[recordKey]reflect.Value, len(t.writes))
	for _, w := range t.writes {
		cur, exists := overlay[w.key]
		if !exists {
			cur, exists = s.records[w.key]
		}
		switch w.op {
		case opInsert:
			if exists {
				return fmt.Errorf("commit insert %s/%s: %w", w.key.table, w.key.id, tradecore.ErrDuplicatedRecord)
			}
		case opCAS:
			if !exists {
				return fmt.Errorf("commit update %s/%s: %w", w.key.table, w.key.id, tradecore.ErrRecordNotFound)
			}
			if versionOf(cur) != w.expected {
				return fmt.Errorf("commit update %s/%s: %w", w.key.table, w.key.id, tradecore.ErrVersionConflict)
			}
		}
		overlay[w.key] = w.val
	}
	for k, v := range overlay {
		s.records[k] = v
	}
	s.logger.V(logger.LevelTrace).Info("transaction committed", "writes", len(t.writes))
	return nil
}

func (s *Store) RollBack(ctx context.Context) error {
	t := s.getTx(ctx)
	if t == nil {
		return ErrNoTransaction
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	t.writes = nil
	t.staged = nil
	return nil
}
