package shardserver

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardroute/client"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/shardserver/catalog"
	"github.com/cubefs/shardroute/shardserver/store"
)

type Config struct {
	StoreConfig       store.Config             `json:"store_config"`
	MasterConfig      client.MasterConfig      `json:"master_config"`
	ShardServerConfig client.ShardServerConfig `json:"shard_server_config"`
	CatalogConfig     catalog.Config           `json:"catalog_config"`
	// Addr is registered with the master for routers and peers.
	Addr string `json:"addr"`
}

type ShardServer struct {
	*catalog.Catalog

	store        *store.Store
	masterClient *client.MasterClient
	peers        *client.ShardServerClients
}

var _ proto.ShardServerServer = (*ShardServer)(nil)

func NewShardServer(cfg *Config) (*ShardServer, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	masterClient, err := client.NewMasterClient(&cfg.MasterConfig)
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, err
	}
	peers := client.NewShardServerClients(&cfg.ShardServerConfig, masterClient)

	c, err := catalog.NewCatalog(ctx, &cfg.CatalogConfig, st, masterClient, peers)
	if err != nil {
		return nil, err
	}
	if err = register(ctx, masterClient, cfg.CatalogConfig.ShardID, cfg.Addr); err != nil {
		span.Warnf("register shard %s failed: %s", cfg.CatalogConfig.ShardID, errors.Detail(err))
	}
	return &ShardServer{Catalog: c, store: st, masterClient: masterClient, peers: peers}, nil
}

func register(ctx context.Context, masterClient *client.MasterClient, id proto.ShardID, addr string) error {
	err := masterClient.AddShard(ctx, proto.ShardInfo{ID: id, Addr: addr})
	if err == nil || err == apierrors.ErrShardAlreadyExist {
		return nil
	}
	return err
}

func (s *ShardServer) Close() {
	s.Catalog.Close()
	s.peers.Close()
	s.masterClient.Close()
	s.store.Close()
}
