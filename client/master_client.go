package client

import (
	"context"
	"errors"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

type (
	MasterConfig struct {
		MasterAddresses string          `json:"master_addresses"`
		TransportConfig TransportConfig `json:"transport"`
	}

	// MasterClient talks to the metadata authority. A master that cannot be
	// reached within the call timeout is reported as AuthorityUnavailable,
	// never as a missing item.
	MasterClient struct {
		caller
	}
)

func NewMasterClient(cfg *MasterConfig) (*MasterClient, error) {
	if cfg.MasterAddresses == "" {
		return nil, errors.New("master address can't be nil")
	}
	target := cfg.MasterAddresses
	if !strings.HasPrefix(target, lbResolverSchema+":///") {
		target = lbResolverSchema + ":///" + target
	}

	conn, err := grpc.Dial(target, generateDialOpts(&cfg.TransportConfig)...)
	if err != nil {
		return nil, err
	}
	return &MasterClient{caller: newCaller(conn, proto.MasterServiceName, &cfg.TransportConfig)}, nil
}

func (c *MasterClient) call(ctx context.Context, method string, in, out interface{}) error {
	err := c.invoke(ctx, method, in, out)
	if err != nil && apierrors.IsTransportFailure(err) {
		trace.SpanFromContextSafe(ctx).Warnf("master call %s failed: %s", method, err)
		return apierrors.NewAuthorityUnavailable(method + ": " + err.Error())
	}
	return err
}

func (c *MasterClient) GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error) {
	resp := &proto.GetCollectionResponse{}
	if err := c.call(ctx, "GetCollection", &proto.GetCollectionRequest{Namespace: ns}, resp); err != nil {
		return nil, err
	}
	return &resp.Meta, nil
}

func (c *MasterClient) GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	resp := &proto.GetDatabaseResponse{}
	if err := c.call(ctx, "GetDatabase", &proto.GetDatabaseRequest{Name: name}, resp); err != nil {
		return nil, err
	}
	return &resp.Entry, nil
}

func (c *MasterClient) ListShards(ctx context.Context) ([]proto.ShardInfo, error) {
	resp := &proto.ListShardsResponse{}
	if err := c.call(ctx, "ListShards", &proto.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Shards, nil
}

func (c *MasterClient) AddShard(ctx context.Context, info proto.ShardInfo) error {
	return c.call(ctx, "AddShard", &proto.AddShardRequest{Info: info}, &proto.Empty{})
}

func (c *MasterClient) RemoveShard(ctx context.Context, id proto.ShardID) error {
	return c.call(ctx, "RemoveShard", &proto.RemoveShardRequest{ID: id}, &proto.Empty{})
}

func (c *MasterClient) CreateDatabase(ctx context.Context, name string, primary proto.ShardID) (*proto.DatabaseEntry, error) {
	resp := &proto.GetDatabaseResponse{}
	if err := c.call(ctx, "CreateDatabase", &proto.CreateDatabaseRequest{Name: name, Primary: primary}, resp); err != nil {
		return nil, err
	}
	return &resp.Entry, nil
}

func (c *MasterClient) ShardCollection(ctx context.Context, ns proto.Namespace, shard proto.ShardID) (*proto.CollectionMeta, error) {
	resp := &proto.GetCollectionResponse{}
	if err := c.call(ctx, "ShardCollection", &proto.ShardCollectionRequest{Namespace: ns, Shard: shard}, resp); err != nil {
		return nil, err
	}
	return &resp.Meta, nil
}

func (c *MasterClient) DropCollection(ctx context.Context, ns proto.Namespace) error {
	return c.call(ctx, "DropCollection", &proto.DropCollectionRequest{Namespace: ns}, &proto.Empty{})
}

func (c *MasterClient) ConditionalWrite(ctx context.Context, ns proto.Namespace, expected proto.CollectionVersion,
	mutation proto.Mutation,
) (proto.CollectionVersion, error) {
	resp := &proto.ConditionalWriteResponse{}
	err := c.call(ctx, "ConditionalWrite", &proto.ConditionalWriteRequest{
		Namespace: ns,
		Expected:  expected,
		Mutation:  mutation,
	}, resp)
	return resp.Version, err
}

func (c *MasterClient) CreateMigration(ctx context.Context, rec *proto.MigrationRecord) error {
	return c.call(ctx, "CreateMigration", &proto.MigrationRecordRequest{Record: *rec}, &proto.Empty{})
}

func (c *MasterClient) GetMigration(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error) {
	resp := &proto.GetMigrationResponse{}
	if err := c.call(ctx, "GetMigration", &proto.GetMigrationRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return &resp.Record, nil
}

func (c *MasterClient) ListMigrations(ctx context.Context) ([]proto.MigrationRecord, error) {
	resp := &proto.ListMigrationsResponse{}
	if err := c.call(ctx, "ListMigrations", &proto.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *MasterClient) UpdateMigration(ctx context.Context, rec *proto.MigrationRecord, expected proto.MigrationState) error {
	return c.call(ctx, "UpdateMigration", &proto.MigrationRecordRequest{Record: *rec, ExpectedState: expected}, &proto.Empty{})
}

func (c *MasterClient) StartMigration(ctx context.Context, ns proto.Namespace, r proto.KeyRange,
	donor, recipient proto.ShardID,
) (proto.MigrationID, error) {
	resp := &proto.StartMigrationResponse{}
	err := c.call(ctx, "StartMigration", &proto.StartMigrationRequest{
		Namespace: ns,
		Range:     r,
		Donor:     donor,
		Recipient: recipient,
	}, resp)
	return resp.ID, err
}

func (c *MasterClient) Close() error {
	return c.conn.Close()
}
