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
	"context"
	"errors"
)

const (
	defaultCF = "default"

	MemoryKVType = KVType("memory")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotExist = errors.New("column family does not exist")
	ErrStoreClosed    = errors.New("kv store is closed")
)

type (
	CF     string
	KVType string

	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates keys with prefix, starting at marker when it is set.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		NewWriteBatch() WriteBatch
		// Write applies the batch atomically.
		Write(ctx context.Context, batch WriteBatch) error
		Close()
	}
	ListReader interface {
		// ReadNextCopy returns a nil key once the iteration is exhausted.
		ReadNextCopy() (key []byte, value []byte, err error)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		// DeleteRange removes [startKey, endKey), an empty endKey is unbounded.
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Option struct {
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool `json:"create_if_missing"`
	}
)

func NewKVStore(ctx context.Context, path string, kvType KVType, option *Option) (Store, error) {
	switch kvType {
	case MemoryKVType, "":
		return newMemoryStore(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
