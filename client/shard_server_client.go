package client

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

type (
	// ShardLister is the part of the metadata authority used to resolve
	// shard addresses.
	ShardLister interface {
		ListShards(ctx context.Context) ([]proto.ShardInfo, error)
	}

	ShardServerConfig struct {
		TransportConfig TransportConfig `json:"transport"`
	}

	// ShardServerClient is the connection to one shard server.
	ShardServerClient struct {
		caller
		id   proto.ShardID
		addr string
	}

	// ShardServerClients keeps one client per shard id, rebuilt from the
	// shard registry on a miss.
	ShardServerClients struct {
		// shardServerClients maintains grpc client by shard id
		shardServerClients sync.Map
		lister             ShardLister
		tc                 TransportConfig
		dialOpts           []grpc.DialOption

		refreshLock sync.Mutex
	}
)

func NewShardServerClient(id proto.ShardID, addr string, tc *TransportConfig) (*ShardServerClient, error) {
	conn, err := grpc.Dial(addr, generateDialOpts(tc)...)
	if err != nil {
		return nil, err
	}
	return &ShardServerClient{
		caller: newCaller(conn, proto.ShardServerServiceName, tc),
		id:     id,
		addr:   addr,
	}, nil
}

func (c *ShardServerClient) ID() proto.ShardID { return c.id }

func (c *ShardServerClient) Execute(ctx context.Context, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	resp := &proto.ShardResponse{}
	if err := c.invoke(ctx, "Execute", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ShardServerClient) Migrate(ctx context.Context, cmd *proto.MigrationCommand) (*proto.MigrationCommandResult, error) {
	resp := &proto.MigrationCommandResult{}
	if err := c.invoke(ctx, "Migrate", cmd, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ShardServerClient) Fetch(ctx context.Context, req *proto.FetchRequest) (*proto.FetchResponse, error) {
	resp := &proto.FetchResponse{}
	if err := c.invoke(ctx, "Fetch", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ShardServerClient) Close() error {
	return c.conn.Close()
}

func NewShardServerClients(cfg *ShardServerConfig, lister ShardLister) *ShardServerClients {
	tc := cfg.TransportConfig
	return &ShardServerClients{
		lister:   lister,
		tc:       tc,
		dialOpts: generateDialOpts(&tc),
	}
}

// GetClient returns the client of shard id. A shard missing from the
// registry after a refresh is reported as ShardUnknown.
func (s *ShardServerClients) GetClient(ctx context.Context, id proto.ShardID) (*ShardServerClient, error) {
	if client, ok := s.shardServerClients.Load(id); ok {
		return client.(*ShardServerClient), nil
	}
	if err := s.refreshShardServerClients(ctx); err != nil {
		return nil, err
	}
	if client, ok := s.shardServerClients.Load(id); ok {
		return client.(*ShardServerClient), nil
	}
	return nil, apierrors.NewShardUnknown(id)
}

func (s *ShardServerClients) Execute(ctx context.Context, id proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	client, err := s.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return client.Execute(ctx, req)
}

func (s *ShardServerClients) Migrate(ctx context.Context, id proto.ShardID, cmd *proto.MigrationCommand) (*proto.MigrationCommandResult, error) {
	client, err := s.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return client.Migrate(ctx, cmd)
}

func (s *ShardServerClients) Fetch(ctx context.Context, id proto.ShardID, req *proto.FetchRequest) (*proto.FetchResponse, error) {
	client, err := s.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return client.Fetch(ctx, req)
}

func (s *ShardServerClients) Close() error {
	s.shardServerClients.Range(func(key, value interface{}) bool {
		value.(*ShardServerClient).Close()
		return true
	})
	return nil
}

func (s *ShardServerClients) refreshShardServerClients(ctx context.Context) error {
	s.refreshLock.Lock()
	defer s.refreshLock.Unlock()

	span := trace.SpanFromContextSafe(ctx)
	shards, err := s.lister.ListShards(ctx)
	if err != nil {
		return err
	}

	alive := make(map[proto.ShardID]struct{}, len(shards))
	for _, info := range shards {
		alive[info.ID] = struct{}{}
		if old, ok := s.shardServerClients.Load(info.ID); ok {
			if old.(*ShardServerClient).addr == info.Addr {
				continue
			}
			old.(*ShardServerClient).Close()
		}

		conn, err := grpc.Dial(info.Addr, s.dialOpts...)
		if err != nil {
			return err
		}
		s.shardServerClients.Store(info.ID, &ShardServerClient{
			caller: newCaller(conn, proto.ShardServerServiceName, &s.tc),
			id:     info.ID,
			addr:   info.Addr,
		})
		span.Debugf("shard server client of %s built at %s", info.ID, info.Addr)
	}
	// removed shards
	s.shardServerClients.Range(func(key, value interface{}) bool {
		if _, ok := alive[key.(proto.ShardID)]; !ok {
			s.shardServerClients.Delete(key)
			value.(*ShardServerClient).Close()
		}
		return true
	})
	return nil
}
