package master

import (
	"context"

	"github.com/cubefs/shardroute/proto"
)

func (m *Master) GetCollection(ctx context.Context, req *proto.GetCollectionRequest) (*proto.GetCollectionResponse, error) {
	meta, err := m.catalog.GetCollection(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	return &proto.GetCollectionResponse{Meta: *meta}, nil
}

func (m *Master) GetDatabase(ctx context.Context, req *proto.GetDatabaseRequest) (*proto.GetDatabaseResponse, error) {
	entry, err := m.catalog.GetDatabase(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &proto.GetDatabaseResponse{Entry: *entry}, nil
}

func (m *Master) ListShards(ctx context.Context, _ *proto.Empty) (*proto.ListShardsResponse, error) {
	shards, err := m.catalog.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	return &proto.ListShardsResponse{Shards: shards}, nil
}

func (m *Master) AddShard(ctx context.Context, req *proto.AddShardRequest) (*proto.Empty, error) {
	return &proto.Empty{}, m.catalog.AddShard(ctx, req.Info)
}

func (m *Master) RemoveShard(ctx context.Context, req *proto.RemoveShardRequest) (*proto.Empty, error) {
	return &proto.Empty{}, m.catalog.RemoveShard(ctx, req.ID)
}

func (m *Master) CreateDatabase(ctx context.Context, req *proto.CreateDatabaseRequest) (*proto.GetDatabaseResponse, error) {
	entry, err := m.catalog.CreateDatabase(ctx, req.Name, req.Primary)
	if err != nil {
		return nil, err
	}
	return &proto.GetDatabaseResponse{Entry: *entry}, nil
}

func (m *Master) ShardCollection(ctx context.Context, req *proto.ShardCollectionRequest) (*proto.GetCollectionResponse, error) {
	meta, err := m.catalog.ShardCollection(ctx, req.Namespace, req.Shard)
	if err != nil {
		return nil, err
	}
	m.notifyShards(ctx, req.Namespace)
	return &proto.GetCollectionResponse{Meta: *meta}, nil
}

func (m *Master) DropCollection(ctx context.Context, req *proto.DropCollectionRequest) (*proto.Empty, error) {
	if err := m.catalog.DropCollection(ctx, req.Namespace); err != nil {
		return nil, err
	}
	m.notifyShards(ctx, req.Namespace)
	return &proto.Empty{}, nil
}

func (m *Master) ConditionalWrite(ctx context.Context, req *proto.ConditionalWriteRequest) (*proto.ConditionalWriteResponse, error) {
	version, err := m.catalog.ConditionalWrite(ctx, req.Namespace, req.Expected, req.Mutation)
	if err != nil {
		return nil, err
	}
	return &proto.ConditionalWriteResponse{Version: version}, nil
}

func (m *Master) CreateMigration(ctx context.Context, req *proto.MigrationRecordRequest) (*proto.Empty, error) {
	return &proto.Empty{}, m.catalog.CreateMigration(ctx, &req.Record)
}

func (m *Master) GetMigration(ctx context.Context, req *proto.GetMigrationRequest) (*proto.GetMigrationResponse, error) {
	rec, err := m.coordinator.QueryMigration(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &proto.GetMigrationResponse{Record: *rec}, nil
}

func (m *Master) ListMigrations(ctx context.Context, _ *proto.Empty) (*proto.ListMigrationsResponse, error) {
	recs, err := m.catalog.ListMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return &proto.ListMigrationsResponse{Records: recs}, nil
}

func (m *Master) UpdateMigration(ctx context.Context, req *proto.MigrationRecordRequest) (*proto.Empty, error) {
	return &proto.Empty{}, m.catalog.UpdateMigration(ctx, &req.Record, req.ExpectedState)
}

func (m *Master) StartMigration(ctx context.Context, req *proto.StartMigrationRequest) (*proto.StartMigrationResponse, error) {
	id, err := m.coordinator.StartMigration(ctx, req.Namespace, req.Range, req.Donor, req.Recipient)
	if err != nil {
		return nil, err
	}
	return &proto.StartMigrationResponse{ID: id}, nil
}

var _ proto.MasterServer = (*Master)(nil)
