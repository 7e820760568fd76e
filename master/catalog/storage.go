package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardroute/common/kvstore"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

const (
	CF = kvstore.CF("catalog")

	// VersionNotExist conditions a write on the key being absent.
	VersionNotExist int64 = -1
	// AnyVersion writes unconditionally.
	AnyVersion int64 = -2
)

const (
	collectionKeyPrefix = "c/"
	databaseKeyPrefix   = "d/"
	shardKeyPrefix      = "s/"
	migrationKeyPrefix  = "m/"
)

var errNotFound = errors.New("catalog item not found")

type (
	// Storage is the durable backend of the catalog. Every key carries a
	// version bumped on each write, Commit applies all ops or none.
	Storage interface {
		Get(ctx context.Context, key string) (value []byte, version int64, err error)
		List(ctx context.Context, prefix string) ([]Item, error)
		Commit(ctx context.Context, ops ...Op) error
		// Writable reports whether the backend can currently persist writes.
		Writable() bool
		Close()
	}
	Item struct {
		Key     string
		Value   []byte
		Version int64
	}
	Op struct {
		Key             string
		Value           []byte
		Delete          bool
		ExpectedVersion int64
	}
)

func putOp(key string, v interface{}, expected int64) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, err
	}
	return Op{Key: key, Value: data, ExpectedVersion: expected}, nil
}

func deleteOp(key string, expected int64) Op {
	return Op{Key: key, Delete: true, ExpectedVersion: expected}
}

func collectionKey(ns proto.Namespace) string { return collectionKeyPrefix + ns }
func databaseKey(name string) string          { return databaseKeyPrefix + name }
func shardKey(id proto.ShardID) string        { return shardKeyPrefix + id }
func migrationKey(id proto.MigrationID) string {
	return migrationKeyPrefix + id
}

func conflictOn(key string) error {
	return apierrors.NewConflict("", "concurrent update of "+key)
}

// kvStorage keeps every item as an 8 byte version followed by the json
// document. Commits are serialized so the version checks and the batch write
// are atomic.
type kvStorage struct {
	kvStore kvstore.Store
	lock    sync.Mutex
}

func newKVStorage(ctx context.Context, path string) (*kvStorage, error) {
	kvStore, err := kvstore.NewKVStore(ctx, path, kvstore.MemoryKVType, &kvstore.Option{
		ColumnFamily:    []kvstore.CF{CF},
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, errors.Info(err, "open catalog kv store failed")
	}
	return &kvStorage{kvStore: kvStore}, nil
}

func (s *kvStorage) Get(ctx context.Context, key string) ([]byte, int64, error) {
	raw, err := s.kvStore.GetRaw(ctx, CF, []byte(key))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, 0, errNotFound
		}
		return nil, 0, err
	}
	version, value := decodeVersioned(raw)
	return value, version, nil
}

func (s *kvStorage) List(ctx context.Context, prefix string) (ret []Item, err error) {
	lr := s.kvStore.List(ctx, CF, []byte(prefix), nil)
	defer lr.Close()

	for {
		key, raw, err := lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return ret, nil
		}
		version, value := decodeVersioned(raw)
		ret = append(ret, Item{Key: string(key), Value: value, Version: version})
	}
}

func (s *kvStorage) Commit(ctx context.Context, ops ...Op) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	for _, op := range ops {
		_, current, err := s.Get(ctx, op.Key)
		exist := err == nil
		if err != nil && err != errNotFound {
			return err
		}
		switch {
		case op.ExpectedVersion == AnyVersion:
		case op.ExpectedVersion == VersionNotExist && exist:
			return conflictOn(op.Key)
		case op.ExpectedVersion >= 0 && (!exist || current != op.ExpectedVersion):
			return conflictOn(op.Key)
		}
		if op.Delete {
			batch.Delete(CF, []byte(op.Key))
			continue
		}
		next := int64(0)
		if exist {
			next = current + 1
		}
		batch.Put(CF, []byte(op.Key), encodeVersioned(next, op.Value))
	}
	return s.kvStore.Write(ctx, batch)
}

func (s *kvStorage) Writable() bool { return true }

func (s *kvStorage) Close() {
	s.kvStore.Close()
}

func encodeVersioned(version int64, value []byte) []byte {
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw, uint64(version))
	copy(raw[8:], value)
	return raw
}

func decodeVersioned(raw []byte) (int64, []byte) {
	if len(raw) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), raw[8:]
}

func trimKeyPrefix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}
