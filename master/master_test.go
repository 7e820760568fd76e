package master

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/master/catalog"
	"github.com/cubefs/shardroute/master/migration"
	"github.com/cubefs/shardroute/proto"
)

type recordingShards struct {
	mu       sync.Mutex
	refreshs map[proto.ShardID][]proto.Namespace
	err      error
}

func (r *recordingShards) Migrate(ctx context.Context, id proto.ShardID, cmd *proto.MigrationCommand) (*proto.MigrationCommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Type == proto.MigrationCmdRefresh {
		r.refreshs[id] = append(r.refreshs[id], cmd.Record.Namespace)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &proto.MigrationCommandResult{Done: true}, nil
}

func newTestMaster(t *testing.T) (*Master, *recordingShards) {
	ctx := context.Background()
	cat, err := catalog.NewCatalog(ctx, &catalog.Config{StoragePath: t.TempDir()}, nil)
	require.NoError(t, err)
	shards := &recordingShards{refreshs: make(map[proto.ShardID][]proto.Namespace)}
	m := newMaster(cat, shards, &migration.Config{RecoverIntervalS: -1})
	t.Cleanup(m.Close)

	for _, id := range []proto.ShardID{"a", "b"} {
		_, err = m.AddShard(ctx, &proto.AddShardRequest{Info: proto.ShardInfo{ID: id, Addr: id + ":9100"}})
		require.NoError(t, err)
	}
	_, err = m.CreateDatabase(ctx, &proto.CreateDatabaseRequest{Name: "db", Primary: "a"})
	require.NoError(t, err)
	return m, shards
}

func TestMaster_NotifyShards(t *testing.T) {
	ctx := context.Background()
	m, shards := newTestMaster(t)

	resp, err := m.ShardCollection(ctx, &proto.ShardCollectionRequest{Namespace: "db.coll", Shard: "a"})
	require.NoError(t, err)
	require.Len(t, resp.Meta.Chunks, 1)
	require.Equal(t, proto.ShardID("a"), resp.Meta.Chunks[0].Shard)
	require.Equal(t, []proto.Namespace{"db.coll"}, shards.refreshs["a"])
	require.Equal(t, []proto.Namespace{"db.coll"}, shards.refreshs["b"])

	// unreachable shards do not fail the drop
	shards.mu.Lock()
	shards.err = apierrors.NewShardUnknown("a")
	shards.mu.Unlock()
	_, err = m.DropCollection(ctx, &proto.DropCollectionRequest{Namespace: "db.coll"})
	require.NoError(t, err)
	require.Len(t, shards.refreshs["a"], 2)

	_, err = m.GetCollection(ctx, &proto.GetCollectionRequest{Namespace: "db.coll"})
	require.ErrorIs(t, err, apierrors.ErrCollectionDoesNotExist)
}

func TestMaster_Migrations(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMaster(t)

	_, err := m.GetMigration(ctx, &proto.GetMigrationRequest{ID: "missing"})
	require.ErrorIs(t, err, apierrors.ErrMigrationNotFound)
	_, err = m.StartMigration(ctx, &proto.StartMigrationRequest{
		Namespace: "db.coll", Range: proto.FullRange(), Donor: "a", Recipient: "a",
	})
	require.ErrorIs(t, err, apierrors.ErrSameDonorAndRecipient)

	list, err := m.ListMigrations(ctx, &proto.Empty{})
	require.NoError(t, err)
	require.Len(t, list.Records, 0)

	stats := m.Stats(ctx)
	require.True(t, stats.Writable)
	require.Equal(t, 2, stats.Shards)
	require.Equal(t, 1, stats.Databases)
}
