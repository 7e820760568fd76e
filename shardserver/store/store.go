package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardroute/common/kvstore"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/util"
)

const (
	dataCF = kvstore.CF("data")
	metaCF = kvstore.CF("meta")

	dataPrefix = "d/"
)

type Config struct {
	Path     string         `json:"path"`
	KVType   kvstore.KVType `json:"kv_type"`
	KVOption kvstore.Option `json:"kv_option"`
}

// Store keeps the documents of a shard and the shard-local metadata that
// must survive a restart.
type Store struct {
	kvStore kvstore.Store
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, dataCF, metaCF)
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open shard kv store failed")
	}
	return NewStoreWithKV(kvStore), nil
}

// NewStoreWithKV builds a store on an already opened kv store, so a shard
// can be restarted over the same data.
func NewStoreWithKV(kvStore kvstore.Store) *Store {
	for _, col := range []kvstore.CF{dataCF, metaCF} {
		if !kvStore.CheckColumns(col) {
			kvStore.CreateColumn(col)
		}
	}
	return &Store{kvStore: kvStore}
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Close() {
	s.kvStore.Close()
}

func nsPrefix(ns proto.Namespace) []byte {
	return util.StringsToBytes(dataPrefix + ns + "/")
}

func docKey(ns proto.Namespace, key proto.Key) []byte {
	prefix := nsPrefix(ns)
	ret := make([]byte, 0, len(prefix)+len(key))
	return append(append(ret, prefix...), key...)
}

func (s *Store) Get(ctx context.Context, ns proto.Namespace, key proto.Key) ([]byte, error) {
	return s.kvStore.GetRaw(ctx, dataCF, docKey(ns, key))
}

func (s *Store) Put(ctx context.Context, ns proto.Namespace, key proto.Key, value []byte) error {
	return s.kvStore.SetRaw(ctx, dataCF, docKey(ns, key), value)
}

func (s *Store) Delete(ctx context.Context, ns proto.Namespace, key proto.Key) error {
	return s.kvStore.Delete(ctx, dataCF, docKey(ns, key))
}

// Scan returns up to limit documents of r, starting after marker when it is
// set. A limit of zero is unlimited.
func (s *Store) Scan(ctx context.Context, ns proto.Namespace, r proto.KeyRange, marker proto.Key, limit int) ([]proto.Document, error) {
	prefix := nsPrefix(ns)
	start := docKey(ns, r.Min)
	if marker != nil {
		start = append(docKey(ns, marker), 0)
	}
	lr := s.kvStore.List(ctx, dataCF, prefix, start)
	defer lr.Close()

	var ret []proto.Document
	for limit <= 0 || len(ret) < limit {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if k == nil {
			break
		}
		key := proto.Key(k[len(prefix):])
		if !r.Unbounded() && bytes.Compare(key, r.Max) >= 0 {
			break
		}
		ret = append(ret, proto.Document{Key: key, Value: v})
	}
	return ret, nil
}

// Apply writes docs and removes deleted in one batch.
func (s *Store) Apply(ctx context.Context, ns proto.Namespace, docs []proto.Document, deleted []proto.Key) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for i := range docs {
		batch.Put(dataCF, docKey(ns, docs[i].Key), docs[i].Value)
	}
	for _, key := range deleted {
		batch.Delete(dataCF, docKey(ns, key))
	}
	return s.kvStore.Write(ctx, batch)
}

// DeleteRange drops every document of r.
func (s *Store) DeleteRange(ctx context.Context, ns proto.Namespace, r proto.KeyRange) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	end := docKey(ns, r.Max)
	if r.Unbounded() {
		end = util.PrefixEnd(nsPrefix(ns))
	}
	batch.DeleteRange(dataCF, docKey(ns, r.Min), end)
	return s.kvStore.Write(ctx, batch)
}

// PutMeta stores v as json under key.
func (s *Store) PutMeta(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, metaCF, util.StringsToBytes(key), data)
}

func (s *Store) GetMeta(ctx context.Context, key string, v interface{}) error {
	data, err := s.kvStore.GetRaw(ctx, metaCF, util.StringsToBytes(key))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	return s.kvStore.Delete(ctx, metaCF, util.StringsToBytes(key))
}

// ListMeta calls fn with the raw value of every key under prefix.
func (s *Store) ListMeta(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	lr := s.kvStore.List(ctx, metaCF, util.StringsToBytes(prefix), nil)
	defer lr.Close()
	for {
		k, v, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if k == nil {
			return nil
		}
		if err = fn(util.BytesToString(k), v); err != nil {
			return err
		}
	}
}
