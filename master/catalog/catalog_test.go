package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

func newTestCatalog(t *testing.T) (*catalog, *StaticLeadership) {
	storage, err := newKVStorage(context.Background(), t.TempDir())
	require.NoError(t, err)
	leader := NewStaticLeadership(true)
	c := NewCatalogWithStorage(storage, leader).(*catalog)
	t.Cleanup(c.Close)
	return c, leader
}

func setupCollection(t *testing.T, c *catalog, shards ...proto.ShardID) *proto.CollectionMeta {
	ctx := context.Background()
	for _, id := range shards {
		require.NoError(t, c.AddShard(ctx, proto.ShardInfo{ID: id, Addr: id + ":9100"}))
	}
	_, err := c.CreateDatabase(ctx, "db", shards[0])
	require.NoError(t, err)
	meta, err := c.ShardCollection(ctx, "db.coll", "")
	require.NoError(t, err)
	return meta
}

func TestCatalog_Shards(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	require.ErrorIs(t, c.AddShard(ctx, proto.ShardInfo{ID: "a"}), apierrors.ErrInvalidArgument)
	require.NoError(t, c.AddShard(ctx, proto.ShardInfo{ID: "a", Addr: "a:1"}))
	require.NoError(t, c.AddShard(ctx, proto.ShardInfo{ID: "b", Addr: "b:1"}))
	require.ErrorIs(t, c.AddShard(ctx, proto.ShardInfo{ID: "a", Addr: "a:2"}), apierrors.ErrShardAlreadyExist)

	shards, err := c.ListShards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 2)

	_, err = c.CreateDatabase(ctx, "db", "a")
	require.NoError(t, err)
	require.ErrorIs(t, c.RemoveShard(ctx, "a"), apierrors.ErrShardInUse)
	require.NoError(t, c.RemoveShard(ctx, "b"))
	require.ErrorIs(t, c.RemoveShard(ctx, "b"), apierrors.ErrShardDoesNotExist)
}

func TestCatalog_ShardCollection(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	_, err := c.ShardCollection(ctx, "db.coll", "")
	require.ErrorIs(t, err, apierrors.ErrDatabaseDoesNotExist)

	require.NoError(t, c.AddShard(ctx, proto.ShardInfo{ID: "a", Addr: "a:1"}))
	require.NoError(t, c.AddShard(ctx, proto.ShardInfo{ID: "b", Addr: "b:1"}))
	_, err = c.CreateDatabase(ctx, "db", "x")
	require.ErrorIs(t, err, apierrors.ErrShardDoesNotExist)
	db, err := c.CreateDatabase(ctx, "db", "a")
	require.NoError(t, err)
	_, err = c.CreateDatabase(ctx, "db", "a")
	require.ErrorIs(t, err, apierrors.ErrDatabaseAlreadyExist)

	_, err = c.ShardCollection(ctx, "db.coll", "b")
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = c.ShardCollection(ctx, "dbcoll", "")
	require.ErrorIs(t, err, apierrors.ErrInvalidNamespace)

	meta, err := c.ShardCollection(ctx, "db.coll", "a")
	require.NoError(t, err)
	require.Len(t, meta.Chunks, 1)
	require.True(t, meta.Chunks[0].Range.Equal(proto.FullRange()))
	require.Equal(t, proto.CollectionVersion{Epoch: meta.Epoch, Major: 1}, meta.Version())

	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Equal(t, meta.Epoch, got.Epoch)
	_, err = c.ShardCollection(ctx, "db.coll", "")
	require.ErrorIs(t, err, apierrors.ErrCollectionAlreadyExist)

	entry, err := c.GetDatabase(ctx, "db")
	require.NoError(t, err)
	require.Equal(t, db.Version.UUID, entry.Version.UUID)
	require.Equal(t, db.Version.LastMod+1, entry.Version.LastMod)
}

func TestCatalog_DropAndRecreate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	old := setupCollection(t, c, "a")

	require.NoError(t, c.DropCollection(ctx, "db.coll"))
	_, err := c.GetCollection(ctx, "db.coll")
	require.ErrorIs(t, err, apierrors.ErrCollectionDoesNotExist)
	require.ErrorIs(t, c.DropCollection(ctx, "db.coll"), apierrors.ErrCollectionDoesNotExist)

	meta, err := c.ShardCollection(ctx, "db.coll", "")
	require.NoError(t, err)
	require.NotEqual(t, old.Epoch, meta.Epoch)
	_, comparable := meta.Version().Compare(old.Version())
	require.False(t, comparable)
}

func TestCatalog_DropWithActiveMigration(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b")

	require.NoError(t, c.CreateMigration(ctx, &proto.MigrationRecord{
		ID: "m1", Namespace: "db.coll", Range: proto.FullRange(), Donor: "a", Recipient: "b",
		State: proto.MigrationStateCloning, ExpectedVersion: meta.Version(),
	}))
	require.ErrorIs(t, c.DropCollection(ctx, "db.coll"), apierrors.ErrMigrationInProgress)
}

func TestCatalog_Leadership(t *testing.T) {
	ctx := context.Background()
	c, leader := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b")

	leader.SetWritable(false)
	_, err := c.ShardCollection(ctx, "db.other", "")
	require.True(t, apierrors.IsAuthorityUnavailable(err))
	_, err = c.ConditionalWrite(ctx, "db.coll", meta.Version(), proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "a", To: "b",
	})
	require.True(t, apierrors.IsAuthorityUnavailable(err))
	require.True(t, apierrors.IsAuthorityUnavailable(c.AddShard(ctx, proto.ShardInfo{ID: "c", Addr: "c:1"})))
	require.False(t, c.Stats(ctx).Writable)

	// reads are still served
	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Equal(t, meta.Version(), got.Version())

	leader.SetWritable(true)
	_, err = c.ShardCollection(ctx, "db.other", "")
	require.NoError(t, err)
}

func TestCatalog_Migrations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	rec := &proto.MigrationRecord{ID: "m1", Namespace: "db.coll", State: proto.MigrationStateCloning}
	require.NoError(t, c.CreateMigration(ctx, rec))
	require.ErrorIs(t, c.CreateMigration(ctx, rec), apierrors.ErrMigrationAlreadyExist)
	require.NoError(t, c.CreateMigration(ctx, &proto.MigrationRecord{ID: "m2", Namespace: "db.coll"}))

	next := *rec
	next.State = proto.MigrationStateCatchingUp
	require.NoError(t, c.UpdateMigration(ctx, &next, proto.MigrationStateCloning))

	stale := *rec
	stale.State = proto.MigrationStateAborting
	err := c.UpdateMigration(ctx, &stale, proto.MigrationStateCloning)
	require.True(t, apierrors.IsConflict(err))

	got, err := c.GetMigration(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, proto.MigrationStateCatchingUp, got.State)
	_, err = c.GetMigration(ctx, "m3")
	require.ErrorIs(t, err, apierrors.ErrMigrationNotFound)

	records, err := c.ListMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 2, c.Stats(ctx).Migrations)
}

func TestCatalog_ConcurrentUpdateMigration(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	require.NoError(t, c.CreateMigration(ctx, &proto.MigrationRecord{
		ID: "m1", Namespace: "db.coll", State: proto.MigrationStateBlocking,
	}))

	var (
		wg        sync.WaitGroup
		succeeded int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &proto.MigrationRecord{ID: "m1", Namespace: "db.coll", State: proto.MigrationStateCommitting}
			if err := c.UpdateMigration(ctx, rec, proto.MigrationStateBlocking); err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				require.True(t, apierrors.IsConflict(err))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), succeeded)
}
