package router

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/shardroute/client"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/router/catalog"
)

type (
	// ShardTransport delivers one shard's part of an operation.
	ShardTransport interface {
		Execute(ctx context.Context, shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error)
	}

	// MetadataAdmin is the write side of the metadata authority reachable
	// from a router.
	MetadataAdmin interface {
		CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error)
		ShardCollection(ctx context.Context, ns proto.Namespace, shard proto.ShardID) (*proto.CollectionMeta, error)
		DropCollection(ctx context.Context, ns proto.Namespace) error
		StartMigration(ctx context.Context, ns proto.Namespace, r proto.KeyRange, donor, recipient proto.ShardID) (proto.MigrationID, error)
	}
)

type Config struct {
	MasterConfig      client.MasterConfig      `json:"master_config"`
	ShardServerConfig client.ShardServerConfig `json:"shard_server_config"`
	CatalogConfig     catalog.Config           `json:"catalog_config"`
	RetryPolicy       RetryPolicy              `json:"retry_policy"`
}

// Router executes client operations against the shards owning their keys
// and hides routing staleness from its callers.
type Router struct {
	cache     *catalog.Catalog
	transport ShardTransport
	admin     MetadataAdmin
	policy    RetryPolicy

	sleep Sleeper
	clock backoff.Clock

	closers []func() error
}

func NewRouter(cfg *Config) (*Router, error) {
	masterClient, err := client.NewMasterClient(&cfg.MasterConfig)
	if err != nil {
		return nil, err
	}
	shardClients := client.NewShardServerClients(&cfg.ShardServerConfig, masterClient)
	r := newRouter(cfg, masterClient, shardClients, masterClient)
	r.closers = append(r.closers, shardClients.Close, masterClient.Close)
	return r, nil
}

func newRouter(cfg *Config, store catalog.MetadataStore, transport ShardTransport, admin MetadataAdmin) *Router {
	cfg.RetryPolicy.fillDefault()
	return &Router{
		cache:     catalog.NewCatalog(&cfg.CatalogConfig, store),
		transport: transport,
		admin:     admin,
		policy:    cfg.RetryPolicy,
		sleep:     contextSleep,
	}
}

// Catalog exposes the router's routing cache.
func (r *Router) Catalog() *catalog.Catalog {
	return r.cache
}

// Execute routes op and retries it across staleness until it succeeds or
// the retry policy is exhausted.
func (r *Router) Execute(ctx context.Context, op *proto.Operation) (*proto.Result, error) {
	if err := validate(op); err != nil {
		return nil, err
	}
	return r.newRetryLoop(op).run(ctx)
}

func (r *Router) Get(ctx context.Context, ns proto.Namespace, key proto.Key) (*proto.Result, error) {
	return r.Execute(ctx, &proto.Operation{Type: proto.OpGet, Namespace: ns, Key: key})
}

func (r *Router) Put(ctx context.Context, ns proto.Namespace, key proto.Key, value []byte) error {
	_, err := r.Execute(ctx, &proto.Operation{Type: proto.OpPut, Namespace: ns, Key: key, Value: value})
	return err
}

func (r *Router) Delete(ctx context.Context, ns proto.Namespace, key proto.Key) error {
	_, err := r.Execute(ctx, &proto.Operation{Type: proto.OpDelete, Namespace: ns, Key: key})
	return err
}

func (r *Router) Scan(ctx context.Context, ns proto.Namespace, kr proto.KeyRange, limit int) (*proto.Result, error) {
	return r.Execute(ctx, &proto.Operation{Type: proto.OpScan, Namespace: ns, Range: kr, Limit: limit})
}

func (r *Router) CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error) {
	db, err := r.admin.CreateDatabase(ctx, name, primary)
	if err != nil {
		return nil, err
	}
	r.cache.InvalidateDatabase(ctx, name)
	return db, nil
}

// ShardCollection shards ns with its single initial chunk on the database
// primary unless shard names another one.
func (r *Router) ShardCollection(ctx context.Context, ns proto.Namespace, shard proto.ShardID) (*proto.CollectionMeta, error) {
	if !proto.ValidNamespace(ns) {
		return nil, apierrors.ErrInvalidNamespace
	}
	dbName, _ := proto.SplitNamespace(ns)
	if shard == "" {
		db, err := r.cache.ResolveDatabase(ctx, dbName)
		if err != nil {
			return nil, err
		}
		shard = db.Primary
	}
	meta, err := r.admin.ShardCollection(ctx, ns, shard)
	if err != nil {
		return nil, err
	}
	r.cache.Invalidate(ctx, ns)
	r.cache.InvalidateDatabase(ctx, dbName)
	return meta, nil
}

func (r *Router) DropCollection(ctx context.Context, ns proto.Namespace) error {
	if err := r.admin.DropCollection(ctx, ns); err != nil {
		return err
	}
	dbName, _ := proto.SplitNamespace(ns)
	r.cache.Invalidate(ctx, ns)
	r.cache.InvalidateDatabase(ctx, dbName)
	return nil
}

func (r *Router) MoveChunk(ctx context.Context, ns proto.Namespace, kr proto.KeyRange,
	donor, recipient proto.ShardID,
) (proto.MigrationID, error) {
	id, err := r.admin.StartMigration(ctx, ns, kr, donor, recipient)
	if err != nil {
		return "", err
	}
	trace.SpanFromContextSafe(ctx).Infof("migration %s of %s %s from %s to %s started", id, ns, kr, donor, recipient)
	return id, nil
}

func (r *Router) Close() {
	for _, closer := range r.closers {
		closer()
	}
}

func validate(op *proto.Operation) error {
	if !proto.ValidNamespace(op.Namespace) {
		return apierrors.ErrInvalidNamespace
	}
	switch op.Type {
	case proto.OpGet, proto.OpPut, proto.OpDelete:
		if len(op.Key) == 0 {
			return apierrors.ErrInvalidArgument
		}
	case proto.OpScan:
		if op.Range.IsEmpty() || op.Limit < 0 {
			return apierrors.ErrInvalidArgument
		}
	default:
		return apierrors.ErrUnknownOperationType
	}
	return nil
}
