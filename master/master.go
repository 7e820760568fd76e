package master

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/shardroute/client"
	"github.com/cubefs/shardroute/master/catalog"
	"github.com/cubefs/shardroute/master/migration"
	"github.com/cubefs/shardroute/proto"
)

type Config struct {
	CatalogConfig     catalog.Config           `json:"catalog_config"`
	MigrationConfig   migration.Config         `json:"migration_config"`
	ShardServerConfig client.ShardServerConfig `json:"shard_server_config"`
}

// Master is the metadata authority: it owns the catalog and coordinates
// chunk migrations between shards.
type Master struct {
	catalog     catalog.Catalog
	coordinator *migration.Coordinator
	shards      migration.Participants
	closers     []func()
}

func NewMaster(cfg *Config) *Master {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	cat, err := catalog.NewCatalog(ctx, &cfg.CatalogConfig, catalog.NewStaticLeadership(true))
	if err != nil {
		span.Fatalf("new catalog failed: %s", errors.Detail(err))
	}
	shards := client.NewShardServerClients(&cfg.ShardServerConfig, cat)

	m := newMaster(cat, shards, &cfg.MigrationConfig)
	m.closers = append(m.closers, func() { shards.Close() })
	if err = m.coordinator.Recover(ctx); err != nil {
		span.Warnf("recover migrations failed: %s", errors.Detail(err))
	}
	return m
}

func newMaster(cat catalog.Catalog, shards migration.Participants, cfg *migration.Config) *Master {
	return &Master{
		catalog:     cat,
		coordinator: migration.NewCoordinator(cfg, cat, shards),
		shards:      shards,
	}
}

func (m *Master) Catalog() catalog.Catalog { return m.catalog }

func (m *Master) Coordinator() *migration.Coordinator { return m.coordinator }

func (m *Master) Stats(ctx context.Context) catalog.Stats {
	return m.catalog.Stats(ctx)
}

func (m *Master) Close() {
	m.coordinator.Close()
	for _, fn := range m.closers {
		fn()
	}
	m.catalog.Close()
}

// notifyShards asks every shard to reload its view of ns. Shards only learn
// about new epochs from requests otherwise, so a failure here is logged and
// left to the version check.
func (m *Master) notifyShards(ctx context.Context, ns proto.Namespace) {
	span := trace.SpanFromContextSafe(ctx)
	shards, err := m.catalog.ListShards(ctx)
	if err != nil {
		span.Warnf("list shards for refresh of %s failed: %s", ns, errors.Detail(err))
		return
	}
	cmd := &proto.MigrationCommand{
		Type:   proto.MigrationCmdRefresh,
		Record: proto.MigrationRecord{Namespace: ns},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, info := range shards {
		id := info.ID
		g.Go(func() error {
			if _, err := m.shards.Migrate(gctx, id, cmd); err != nil {
				span.Warnf("refresh %s on shard %s failed: %s", ns, id, errors.Detail(err))
			}
			return nil
		})
	}
	g.Wait()
}
