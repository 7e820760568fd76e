// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/zhangyunhao116/skipmap"
)

type memColumn = skipmap.FuncMap[[]byte, []byte]

func newMemColumn() *memColumn {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// memoryStore keeps every column family in an ordered skip list. Single key
// operations run concurrently, batches are applied exclusively.
type memoryStore struct {
	path    string
	columns map[CF]*memColumn
	closed  atomic.Bool

	// batchLock is held shared by single operations and exclusively by Write
	batchLock sync.RWMutex
	colLock   sync.RWMutex
}

func newMemoryStore(ctx context.Context, path string, option *Option) (*memoryStore, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &memoryStore{
		path:    path,
		columns: map[CF]*memColumn{defaultCF: newMemColumn()},
	}
	if option != nil {
		for _, col := range option.ColumnFamily {
			s.columns[col] = newMemColumn()
		}
	}
	span.Debugf("open memory kv store, path: %s, columns: %v", path, s.GetAllColumns())
	return s, nil
}

func (s *memoryStore) CreateColumn(col CF) error {
	s.colLock.Lock()
	defer s.colLock.Unlock()
	if _, ok := s.columns[col]; !ok {
		s.columns[col] = newMemColumn()
	}
	return nil
}

func (s *memoryStore) GetAllColumns() []CF {
	s.colLock.RLock()
	defer s.colLock.RUnlock()
	ret := make([]CF, 0, len(s.columns))
	for col := range s.columns {
		ret = append(ret, col)
	}
	return ret
}

func (s *memoryStore) CheckColumns(col CF) bool {
	_, err := s.column(col)
	return err == nil
}

func (s *memoryStore) column(col CF) (*memColumn, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.colLock.RLock()
	c, ok := s.columns[col]
	s.colLock.RUnlock()
	if !ok {
		return nil, ErrColumnNotExist
	}
	return c, nil
}

func (s *memoryStore) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	c, err := s.column(col)
	if err != nil {
		return nil, err
	}
	s.batchLock.RLock()
	v, ok := c.Load(key)
	s.batchLock.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(v), nil
}

func (s *memoryStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	c, err := s.column(col)
	if err != nil {
		return err
	}
	s.batchLock.RLock()
	c.Store(copyBytes(key), copyBytes(value))
	s.batchLock.RUnlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, col CF, key []byte) error {
	c, err := s.column(col)
	if err != nil {
		return err
	}
	s.batchLock.RLock()
	c.Delete(key)
	s.batchLock.RUnlock()
	return nil
}

func (s *memoryStore) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	lr := &listReader{}
	c, err := s.column(col)
	if err != nil {
		lr.err = err
		return lr
	}

	start := prefix
	if bytes.Compare(marker, prefix) > 0 {
		start = marker
	}
	s.batchLock.RLock()
	c.Range(func(k, v []byte) bool {
		if bytes.Compare(k, start) < 0 {
			return true
		}
		if !bytes.HasPrefix(k, prefix) {
			return false
		}
		lr.keys = append(lr.keys, copyBytes(k))
		lr.values = append(lr.values, copyBytes(v))
		return true
	})
	s.batchLock.RUnlock()
	return lr
}

func (s *memoryStore) NewWriteBatch() WriteBatch {
	return &writeBatch{}
}

func (s *memoryStore) Write(ctx context.Context, batch WriteBatch) error {
	wb, ok := batch.(*writeBatch)
	if !ok {
		return ErrKVTypeNotFound
	}
	// resolve every column before mutating anything
	cols := make([]*memColumn, len(wb.ops))
	for i := range wb.ops {
		c, err := s.column(wb.ops[i].col)
		if err != nil {
			return err
		}
		cols[i] = c
	}

	s.batchLock.Lock()
	defer s.batchLock.Unlock()
	for i, op := range wb.ops {
		c := cols[i]
		switch op.typ {
		case batchOpPut:
			c.Store(op.key, op.value)
		case batchOpDelete:
			c.Delete(op.key)
		case batchOpDeleteRange:
			var keys [][]byte
			c.Range(func(k, _ []byte) bool {
				if bytes.Compare(k, op.key) < 0 {
					return true
				}
				if len(op.end) > 0 && bytes.Compare(k, op.end) >= 0 {
					return false
				}
				keys = append(keys, k)
				return true
			})
			for _, k := range keys {
				c.Delete(k)
			}
		}
	}
	return nil
}

func (s *memoryStore) Close() {
	s.closed.Store(true)
}

type batchOpType uint8

const (
	batchOpPut batchOpType = iota + 1
	batchOpDelete
	batchOpDeleteRange
)

type batchOp struct {
	typ   batchOpType
	col   CF
	key   []byte
	value []byte
	end   []byte
}

type writeBatch struct {
	ops []batchOp
}

func (b *writeBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, batchOp{typ: batchOpPut, col: col, key: copyBytes(key), value: copyBytes(value)})
}

func (b *writeBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, batchOp{typ: batchOpDelete, col: col, key: copyBytes(key)})
}

func (b *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	b.ops = append(b.ops, batchOp{typ: batchOpDeleteRange, col: col, key: copyBytes(startKey), end: copyBytes(endKey)})
}

func (b *writeBatch) Count() int {
	return len(b.ops)
}

func (b *writeBatch) Close() {
	b.ops = nil
}

type listReader struct {
	keys   [][]byte
	values [][]byte
	idx    int
	err    error
}

func (lr *listReader) ReadNextCopy() ([]byte, []byte, error) {
	if lr.err != nil {
		return nil, nil, lr.err
	}
	if lr.idx >= len(lr.keys) {
		return nil, nil, nil
	}
	lr.idx++
	return lr.keys[lr.idx-1], lr.values[lr.idx-1], nil
}

func (lr *listReader) Close() {
	lr.keys, lr.values = nil, nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
