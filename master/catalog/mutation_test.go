package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

func TestConditionalWrite_Move(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b")
	v1 := meta.Version()

	v2, err := c.ConditionalWrite(ctx, "db.coll", v1, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "a", To: "b",
	})
	require.NoError(t, err)
	require.Equal(t, proto.CollectionVersion{Epoch: v1.Epoch, Major: 2}, v2)

	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Equal(t, proto.ShardID("b"), got.Chunks[0].Shard)
	require.Equal(t, v2, got.Version())

	// the old version no longer matches
	_, err = c.ConditionalWrite(ctx, "db.coll", v1, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "b", To: "a",
	})
	require.True(t, apierrors.IsConflict(err))

	_, err = c.ConditionalWrite(ctx, "db.coll", v2, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "a", To: "b",
	})
	require.ErrorIs(t, err, apierrors.ErrChunkNotFound)
	_, err = c.ConditionalWrite(ctx, "db.coll", v2, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "b", To: "c",
	})
	require.ErrorIs(t, err, apierrors.ErrShardDoesNotExist)
}

func TestConditionalWrite_SplitMerge(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b")
	v := meta.Version()

	_, err := c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationSplitChunk, Range: proto.FullRange(), SplitPoints: []proto.Key{proto.Key("m"), proto.Key("f")},
	})
	require.ErrorIs(t, err, apierrors.ErrInvalidSplitPoint)

	v, err = c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationSplitChunk, Range: proto.FullRange(), SplitPoints: []proto.Key{proto.Key("f"), proto.Key("m")},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v.Major)
	require.Equal(t, uint64(3), v.Minor)

	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	table, err := routing.NewTable(got)
	require.NoError(t, err)
	require.Equal(t, 3, table.NumChunks())
	require.Equal(t, v, table.Version())

	// moving the middle chunk leaves the layout contiguous
	middle := proto.KeyRange{Min: proto.Key("f"), Max: proto.Key("m")}
	v, err = c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: middle, From: "a", To: "b",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), v.Major)
	require.Equal(t, uint64(0), v.Minor)

	// chunks on different shards cannot merge
	_, err = c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationMergeChunks, Range: proto.KeyRange{Max: proto.Key("m")},
	})
	require.ErrorIs(t, err, apierrors.ErrInvalidChunkRange)

	v, err = c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationMoveChunk, Range: middle, From: "b", To: "a",
	})
	require.NoError(t, err)
	v, err = c.ConditionalWrite(ctx, "db.coll", v, proto.Mutation{
		Type: proto.MutationMergeChunks, Range: proto.FullRange(),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.Major)
	require.Equal(t, uint64(1), v.Minor)

	got, err = c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Len(t, got.Chunks, 1)
	require.NoError(t, routing.ValidateChunks(got.Epoch, got.Chunks))
}

func TestConditionalWrite_CommitsMigration(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b")
	rec := &proto.MigrationRecord{
		ID: "m1", Namespace: "db.coll", Range: proto.FullRange(), Donor: "a", Recipient: "b",
		State: proto.MigrationStateBlocking, ExpectedVersion: meta.Version(),
	}
	require.NoError(t, c.CreateMigration(ctx, rec))
	move := proto.Mutation{
		Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "a", To: "b", MigrationID: "m1",
	}

	// the record must be committing
	_, err := c.ConditionalWrite(ctx, "db.coll", meta.Version(), move)
	require.True(t, apierrors.IsConflict(err))
	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Equal(t, proto.ShardID("a"), got.Chunks[0].Shard)

	next := *rec
	next.State = proto.MigrationStateCommitting
	require.NoError(t, c.UpdateMigration(ctx, &next, proto.MigrationStateBlocking))
	v, err := c.ConditionalWrite(ctx, "db.coll", meta.Version(), move)
	require.NoError(t, err)

	stored, err := c.GetMigration(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, proto.MigrationStateCommitted, stored.State)
	require.Equal(t, v, stored.CommittedVersion)
}

func TestConditionalWrite_ConcurrentMoves(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)
	meta := setupCollection(t, c, "a", "b", "c")
	expected := meta.Version()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []proto.ShardID{"b", "c"} {
		wg.Add(1)
		go func(i int, to proto.ShardID) {
			defer wg.Done()
			_, errs[i] = c.ConditionalWrite(ctx, "db.coll", expected, proto.Mutation{
				Type: proto.MutationMoveChunk, Range: proto.FullRange(), From: "a", To: to,
			})
		}(i, to)
	}
	wg.Wait()

	if errs[0] == nil {
		require.True(t, apierrors.IsConflict(errs[1]))
	} else {
		require.True(t, apierrors.IsConflict(errs[0]))
		require.NoError(t, errs[1])
	}
	got, err := c.GetCollection(ctx, "db.coll")
	require.NoError(t, err)
	require.Len(t, got.Chunks, 1)
	require.Equal(t, expected.IncMajor(), got.Version())
}

func TestStorage_Commit(t *testing.T) {
	ctx := context.Background()
	s, err := newKVStorage(ctx, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Commit(ctx, Op{Key: "c/x", Value: []byte("1"), ExpectedVersion: VersionNotExist}))
	_, version, err := s.Get(ctx, "c/x")
	require.NoError(t, err)
	require.Equal(t, int64(0), version)

	// a failed check leaves every key untouched
	err = s.Commit(ctx,
		Op{Key: "c/y", Value: []byte("1"), ExpectedVersion: VersionNotExist},
		Op{Key: "c/x", Value: []byte("2"), ExpectedVersion: 5},
	)
	require.True(t, apierrors.IsConflict(err))
	_, _, err = s.Get(ctx, "c/y")
	require.ErrorIs(t, err, errNotFound)

	require.NoError(t, s.Commit(ctx, Op{Key: "c/x", Value: []byte("2"), ExpectedVersion: 0}))
	value, version, err := s.Get(ctx, "c/x")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	require.Equal(t, int64(1), version)

	require.NoError(t, s.Commit(ctx, Op{Key: "c/z", Value: []byte("3"), ExpectedVersion: AnyVersion}))
	items, err := s.List(ctx, collectionKeyPrefix)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, s.Commit(ctx, deleteOp("c/x", 1)))
	items, err = s.List(ctx, collectionKeyPrefix)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
