package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

const (
	StorageTypeKV        = "kvstore"
	StorageTypeZookeeper = "zookeeper"
)

type Catalog interface {
	GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error)
	GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error)
	ListShards(ctx context.Context) ([]proto.ShardInfo, error)
	AddShard(ctx context.Context, info proto.ShardInfo) error
	RemoveShard(ctx context.Context, id proto.ShardID) error
	CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error)
	ShardCollection(ctx context.Context, ns proto.Namespace, shard proto.ShardID) (*proto.CollectionMeta, error)
	DropCollection(ctx context.Context, ns proto.Namespace) error
	ConditionalWrite(ctx context.Context, ns proto.Namespace, expected proto.CollectionVersion, mutation proto.Mutation) (proto.CollectionVersion, error)

	CreateMigration(ctx context.Context, rec *proto.MigrationRecord) error
	GetMigration(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error)
	ListMigrations(ctx context.Context) ([]proto.MigrationRecord, error)
	UpdateMigration(ctx context.Context, rec *proto.MigrationRecord, expected proto.MigrationState) error

	Stats(ctx context.Context) Stats
	Close()
}

type Config struct {
	StorageType string   `json:"storage_type"`
	StoragePath string   `json:"storage_path"`
	ZK          ZKConfig `json:"zookeeper"`
}

type Stats struct {
	Writable    bool `json:"writable"`
	Collections int  `json:"collections"`
	Databases   int  `json:"databases"`
	Shards      int  `json:"shards"`
	Migrations  int  `json:"migrations"`
}

type catalog struct {
	storage Storage
	leader  Leadership

	// serializes read-modify-write on this master, other masters are fenced
	// by the storage version checks
	lock sync.Mutex
}

func NewCatalog(ctx context.Context, cfg *Config, leader Leadership) (Catalog, error) {
	var (
		storage Storage
		err     error
	)
	switch cfg.StorageType {
	case StorageTypeKV, "":
		storage, err = newKVStorage(ctx, cfg.StoragePath)
	case StorageTypeZookeeper:
		storage, err = newZKStorage(ctx, cfg.ZK)
	default:
		return nil, errors.Info(apierrors.ErrInvalidArgument, "unknown catalog storage type", cfg.StorageType)
	}
	if err != nil {
		return nil, err
	}
	return NewCatalogWithStorage(storage, leader), nil
}

func NewCatalogWithStorage(storage Storage, leader Leadership) Catalog {
	if leader == nil {
		leader = NewStaticLeadership(true)
	}
	return &catalog{storage: storage, leader: leader}
}

func (c *catalog) GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error) {
	if !proto.ValidNamespace(ns) {
		return nil, apierrors.ErrInvalidNamespace
	}
	meta := &proto.CollectionMeta{}
	if _, err := c.get(ctx, collectionKey(ns), meta, apierrors.ErrCollectionDoesNotExist); err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *catalog) GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	entry := &proto.DatabaseEntry{}
	if _, err := c.get(ctx, databaseKey(name), entry, apierrors.ErrDatabaseDoesNotExist); err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *catalog) ListShards(ctx context.Context) ([]proto.ShardInfo, error) {
	items, err := c.list(ctx, shardKeyPrefix)
	if err != nil {
		return nil, err
	}
	ret := make([]proto.ShardInfo, len(items))
	for i := range items {
		if err := json.Unmarshal(items[i].Value, &ret[i]); err != nil {
			return nil, errors.Info(err, "decode shard", items[i].Key)
		}
	}
	return ret, nil
}

func (c *catalog) AddShard(ctx context.Context, info proto.ShardInfo) error {
	if info.ID == "" || info.Addr == "" || strings.Contains(info.ID, "/") {
		return apierrors.ErrInvalidArgument
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	op, err := putOp(shardKey(info.ID), info, VersionNotExist)
	if err != nil {
		return err
	}
	if err = c.commit(ctx, op); apierrors.IsConflict(err) {
		return apierrors.ErrShardAlreadyExist
	}
	if err == nil {
		trace.SpanFromContextSafe(ctx).Infof("shard %s added at %s", info.ID, info.Addr)
	}
	return err
}

func (c *catalog) RemoveShard(ctx context.Context, id proto.ShardID) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	version, err := c.get(ctx, shardKey(id), &proto.ShardInfo{}, apierrors.ErrShardDoesNotExist)
	if err != nil {
		return err
	}
	dbs, err := c.list(ctx, databaseKeyPrefix)
	if err != nil {
		return err
	}
	for i := range dbs {
		entry := proto.DatabaseEntry{}
		if err := json.Unmarshal(dbs[i].Value, &entry); err == nil && entry.Primary == id {
			trace.SpanFromContextSafe(ctx).Warnf("shard %s is primary of database %s", id, entry.Name)
			return apierrors.ErrShardInUse
		}
	}
	colls, err := c.list(ctx, collectionKeyPrefix)
	if err != nil {
		return err
	}
	for i := range colls {
		meta := proto.CollectionMeta{}
		if err := json.Unmarshal(colls[i].Value, &meta); err != nil {
			continue
		}
		for _, chunk := range meta.Chunks {
			if chunk.Shard == id {
				trace.SpanFromContextSafe(ctx).Warnf("shard %s owns chunks of %s", id, meta.Namespace)
				return apierrors.ErrShardInUse
			}
		}
	}
	if err = c.commit(ctx, deleteOp(shardKey(id), version)); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("shard %s removed", id)
	return nil
}

func (c *catalog) CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error) {
	if name == "" || strings.ContainsAny(name, proto.NamespaceSeparator+"/") {
		return nil, apierrors.ErrInvalidNamespace
	}
	if err := c.checkWritable(); err != nil {
		return nil, err
	}
	if err := c.checkShard(ctx, primary); err != nil {
		return nil, err
	}
	entry := &proto.DatabaseEntry{
		Name:    name,
		Primary: primary,
		Version: proto.DatabaseVersion{UUID: uuid.NewString(), LastMod: 1},
	}
	op, err := putOp(databaseKey(name), entry, VersionNotExist)
	if err != nil {
		return nil, err
	}
	if err = c.commit(ctx, op); err != nil {
		if apierrors.IsConflict(err) {
			return nil, apierrors.ErrDatabaseAlreadyExist
		}
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("database %s created, primary: %s, version: %s", name, primary, entry.Version)
	return entry, nil
}

// ShardCollection places the initial chunk [MinKey, MaxKey) on the database
// primary, where the unsharded data already lives, under a new epoch. The
// database version is bumped so primaries and routers still treating the
// collection as unsharded get rejected.
func (c *catalog) ShardCollection(ctx context.Context, ns proto.Namespace, shard proto.ShardID) (*proto.CollectionMeta, error) {
	if !proto.ValidNamespace(ns) {
		return nil, apierrors.ErrInvalidNamespace
	}
	dbName, _ := proto.SplitNamespace(ns)
	if err := c.checkWritable(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	entry := &proto.DatabaseEntry{}
	dbVersion, err := c.get(ctx, databaseKey(dbName), entry, apierrors.ErrDatabaseDoesNotExist)
	if err != nil {
		return nil, err
	}
	if shard != "" && shard != entry.Primary {
		trace.SpanFromContextSafe(ctx).Warnf("initial chunk of %s must be placed on primary %s", ns, entry.Primary)
		return nil, apierrors.ErrInvalidArgument
	}
	epoch := uuid.NewString()
	meta := &proto.CollectionMeta{
		Namespace: ns,
		Epoch:     epoch,
		Chunks: []proto.Chunk{{
			Range:   proto.FullRange(),
			Shard:   entry.Primary,
			Version: proto.CollectionVersion{Epoch: epoch, Major: 1},
		}},
		CreatedAt: time.Now().UnixMilli(),
	}
	collOp, err := putOp(collectionKey(ns), meta, VersionNotExist)
	if err != nil {
		return nil, err
	}
	entry.Version.LastMod++
	dbOp, err := putOp(databaseKey(dbName), entry, dbVersion)
	if err != nil {
		return nil, err
	}
	if err = c.commit(ctx, collOp, dbOp); err != nil {
		if apierrors.IsConflict(err) {
			if _, gerr := c.GetCollection(ctx, ns); gerr == nil {
				return nil, apierrors.ErrCollectionAlreadyExist
			}
		}
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("collection %s sharded, epoch: %s, primary: %s", ns, epoch, entry.Primary)
	return meta, nil
}

func (c *catalog) DropCollection(ctx context.Context, ns proto.Namespace) error {
	if !proto.ValidNamespace(ns) {
		return apierrors.ErrInvalidNamespace
	}
	dbName, _ := proto.SplitNamespace(ns)
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	collVersion, err := c.get(ctx, collectionKey(ns), &proto.CollectionMeta{}, apierrors.ErrCollectionDoesNotExist)
	if err != nil {
		return err
	}
	records, err := c.ListMigrations(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].Namespace == ns && !records[i].State.Terminal() {
			trace.SpanFromContextSafe(ctx).Warnf("drop %s refused, migration %s is %s", ns, records[i].ID, records[i].State)
			return apierrors.ErrMigrationInProgress
		}
	}
	entry := &proto.DatabaseEntry{}
	dbVersion, err := c.get(ctx, databaseKey(dbName), entry, apierrors.ErrDatabaseDoesNotExist)
	if err != nil {
		return err
	}
	entry.Version.LastMod++
	dbOp, err := putOp(databaseKey(dbName), entry, dbVersion)
	if err != nil {
		return err
	}
	if err = c.commit(ctx, deleteOp(collectionKey(ns), collVersion), dbOp); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("collection %s dropped", ns)
	return nil
}

func (c *catalog) Stats(ctx context.Context) Stats {
	count := func(prefix string) int {
		items, _ := c.list(ctx, prefix)
		return len(items)
	}
	return Stats{
		Writable:    c.checkWritable() == nil,
		Collections: count(collectionKeyPrefix),
		Databases:   count(databaseKeyPrefix),
		Shards:      count(shardKeyPrefix),
		Migrations:  count(migrationKeyPrefix),
	}
}

func (c *catalog) Close() {
	c.storage.Close()
}

func (c *catalog) checkWritable() error {
	if !c.leader.IsWritable() || !c.storage.Writable() {
		return apierrors.NewAuthorityUnavailable("metadata authority is not writable")
	}
	return nil
}

func (c *catalog) checkShard(ctx context.Context, id proto.ShardID) error {
	_, err := c.get(ctx, shardKey(id), &proto.ShardInfo{}, apierrors.ErrShardDoesNotExist)
	return err
}

// get decodes key into v and returns its storage version. A missing key
// yields notFound, other storage failures mean the authority cannot answer.
func (c *catalog) get(ctx context.Context, key string, v interface{}, notFound error) (int64, error) {
	data, version, err := c.storage.Get(ctx, key)
	if err != nil {
		if err == errNotFound {
			return 0, notFound
		}
		trace.SpanFromContextSafe(ctx).Errorf("read catalog key %s failed: %s", key, errors.Detail(err))
		return 0, apierrors.NewAuthorityUnavailable(err.Error())
	}
	if err = json.Unmarshal(data, v); err != nil {
		return 0, errors.Info(err, "decode catalog item", key)
	}
	return version, nil
}

func (c *catalog) list(ctx context.Context, prefix string) ([]Item, error) {
	items, err := c.storage.List(ctx, prefix)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("list catalog prefix %s failed: %s", prefix, errors.Detail(err))
		return nil, apierrors.NewAuthorityUnavailable(err.Error())
	}
	return items, nil
}

func (c *catalog) commit(ctx context.Context, ops ...Op) error {
	err := c.storage.Commit(ctx, ops...)
	if err == nil || apierrors.IsConflict(err) {
		return err
	}
	trace.SpanFromContextSafe(ctx).Errorf("commit %d catalog ops failed: %s", len(ops), errors.Detail(err))
	return apierrors.NewAuthorityUnavailable(err.Error())
}
