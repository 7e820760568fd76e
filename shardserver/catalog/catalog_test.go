package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardroute/common/kvstore"
	apierrors "github.com/cubefs/shardroute/errors"
	mastercatalog "github.com/cubefs/shardroute/master/catalog"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/shardserver/store"
)

const testNs = "db.coll"

type localPeer struct {
	mu     sync.RWMutex
	shards map[proto.ShardID]*Catalog
}

func (p *localPeer) Fetch(ctx context.Context, shard proto.ShardID, req *proto.FetchRequest) (*proto.FetchResponse, error) {
	p.mu.RLock()
	c, ok := p.shards[shard]
	p.mu.RUnlock()
	if !ok {
		return nil, apierrors.NewShardUnknown(shard)
	}
	return c.Fetch(ctx, req)
}

type testCluster struct {
	master mastercatalog.Catalog
	peer   *localPeer
	kvs    map[proto.ShardID]kvstore.Store
	shards map[proto.ShardID]*Catalog
	meta   *proto.CollectionMeta
}

func newTestCluster(t *testing.T) *testCluster {
	ctx := context.Background()
	master, err := mastercatalog.NewCatalog(ctx, &mastercatalog.Config{StoragePath: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(master.Close)

	tc := &testCluster{
		master: master,
		peer:   &localPeer{shards: make(map[proto.ShardID]*Catalog)},
		kvs:    make(map[proto.ShardID]kvstore.Store),
		shards: make(map[proto.ShardID]*Catalog),
	}
	for _, id := range []proto.ShardID{"a", "b"} {
		require.NoError(t, master.AddShard(ctx, proto.ShardInfo{ID: id, Addr: id + ":9100"}))
		kv, err := kvstore.NewKVStore(ctx, t.TempDir(), kvstore.MemoryKVType, &kvstore.Option{})
		require.NoError(t, err)
		tc.kvs[id] = kv
		tc.start(t, id, master)
	}
	_, err = master.CreateDatabase(ctx, "db", "a")
	require.NoError(t, err)
	tc.meta, err = master.ShardCollection(ctx, testNs, "a")
	require.NoError(t, err)
	return tc
}

// start opens shard id over its kv store, as a restart would.
func (tc *testCluster) start(t *testing.T, id proto.ShardID, meta MetadataStore) *Catalog {
	c, err := NewCatalog(context.Background(), &Config{ShardID: id, CriticalSectionTimeoutMs: 200, FetchBatch: 2},
		store.NewStoreWithKV(tc.kvs[id]), meta, tc.peer)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	tc.shards[id] = c
	tc.peer.mu.Lock()
	tc.peer.shards[id] = c
	tc.peer.mu.Unlock()
	return c
}

func (tc *testCluster) version(t *testing.T) proto.CollectionVersion {
	meta, err := tc.master.GetCollection(context.Background(), testNs)
	require.NoError(t, err)
	return meta.Version()
}

func (tc *testCluster) move(t *testing.T, from, to proto.ShardID) proto.CollectionVersion {
	v, err := tc.master.ConditionalWrite(context.Background(), testNs, tc.version(t), proto.Mutation{
		Type:  proto.MutationMoveChunk,
		Range: proto.FullRange(),
		From:  from,
		To:    to,
	})
	require.NoError(t, err)
	return v
}

func putReq(key string, v proto.CollectionVersion) *proto.ShardRequest {
	k := proto.Key(key)
	return &proto.ShardRequest{
		Operation: proto.Operation{Type: proto.OpPut, Namespace: testNs, Key: k, Value: []byte("v-" + key)},
		Ranges:    []proto.KeyRange{proto.PointRange(k)},
		Version:   v,
	}
}

func getReq(key string, v proto.CollectionVersion) *proto.ShardRequest {
	k := proto.Key(key)
	return &proto.ShardRequest{
		Operation: proto.Operation{Type: proto.OpGet, Namespace: testNs, Key: k},
		Ranges:    []proto.KeyRange{proto.PointRange(k)},
		Version:   v,
	}
}

func requireCode(t *testing.T, code apierrors.Code, err error) *apierrors.Error {
	require.Error(t, err)
	e, ok := apierrors.AsError(err)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, code, e.Code, "unexpected error: %v", err)
	return e
}

func TestAuthority_Check(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	a, b := tc.shards["a"], tc.shards["b"]
	v1 := tc.meta.Version()

	_, err := a.Execute(ctx, putReq("k", v1))
	require.NoError(t, err)
	_, err = b.Execute(ctx, putReq("k", v1))
	requireCode(t, apierrors.CodeShardDoesNotOwnRange, err)

	v2 := tc.move(t, "a", "b")
	require.Equal(t, v1.Major+1, v2.Major)

	// a router ahead of the shard makes it refresh
	_, err = a.Execute(ctx, putReq("k", v2))
	e := requireCode(t, apierrors.CodeShardDoesNotOwnRange, err)
	require.Equal(t, v2, e.Wanted)
	_, err = a.Execute(ctx, putReq("k", v1))
	requireCode(t, apierrors.CodeShardDoesNotOwnRange, err)

	_, err = b.Execute(ctx, putReq("k", v2))
	require.NoError(t, err)
	_, err = b.Execute(ctx, getReq("k", v1))
	e = requireCode(t, apierrors.CodeStaleShardVersion, err)
	require.Equal(t, v1, e.Received)
	require.Equal(t, v2, e.Wanted)
}

func TestAuthority_StaleEpoch(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	a := tc.shards["a"]
	v1 := tc.meta.Version()
	_, err := a.Execute(ctx, putReq("k", v1))
	require.NoError(t, err)
	// a deletion of the old incarnation that never got a worker
	a.deleter.lock.Lock()
	a.deleter.pending.ReplaceOrInsert(&rangeDeletion{ID: "old", Namespace: testNs, Range: proto.KeyRange{Min: proto.Key("x")}})
	a.deleter.lock.Unlock()

	require.NoError(t, tc.master.DropCollection(ctx, testNs))
	meta, err := tc.master.ShardCollection(ctx, testNs, "a")
	require.NoError(t, err)
	require.NotEqual(t, v1.Epoch, meta.Epoch)
	_, err = a.Authority().Refresh(ctx, testNs)
	require.NoError(t, err)
	require.Equal(t, 0, a.Stats().PendingDeletions)
	_, err = a.store.Get(ctx, testNs, proto.Key("k"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	_, err = a.Execute(ctx, getReq("k", v1))
	e := requireCode(t, apierrors.CodeStaleEpoch, err)
	require.Equal(t, meta.Version(), e.Wanted)
	_, err = a.Authority().pin(putReq("k", v1))
	requireCode(t, apierrors.CodeStaleEpoch, err)

	// a router on the new incarnation is served, without the old documents
	resp, err := a.Execute(ctx, getReq("k", meta.Version()))
	require.NoError(t, err)
	require.False(t, resp.Found)
	_, err = a.Execute(ctx, putReq("k", meta.Version()))
	require.NoError(t, err)

	// refreshing within the incarnation keeps the data
	_, err = a.Authority().Refresh(ctx, testNs)
	require.NoError(t, err)
	resp, err = a.Execute(ctx, getReq("k", meta.Version()))
	require.NoError(t, err)
	require.True(t, resp.Found)
}

func TestAuthority_DropPurgesLocalData(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	a := tc.shards["a"]
	_, err := a.Execute(ctx, putReq("k", tc.meta.Version()))
	require.NoError(t, err)

	// dropped, the primary serves the namespace unsharded and empty
	require.NoError(t, tc.master.DropCollection(ctx, testNs))
	db, err := tc.master.GetDatabase(ctx, "db")
	require.NoError(t, err)
	resp, err := a.Execute(ctx, &proto.ShardRequest{
		Operation: proto.Operation{Type: proto.OpGet, Namespace: testNs, Key: proto.Key("k")},
		Ranges:    []proto.KeyRange{proto.PointRange(proto.Key("k"))},
		DbVersion: db.Version,
	})
	require.NoError(t, err)
	require.False(t, resp.Found)
	require.Nil(t, a.Authority().Table(testNs))
}

func TestAuthority_Unsharded(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	a, b := tc.shards["a"], tc.shards["b"]
	db, err := tc.master.GetDatabase(ctx, "db")
	require.NoError(t, err)

	req := func(ns string, dbv proto.DatabaseVersion) *proto.ShardRequest {
		return &proto.ShardRequest{
			Operation: proto.Operation{Type: proto.OpPut, Namespace: ns, Key: proto.Key("k"), Value: []byte("v")},
			Ranges:    []proto.KeyRange{proto.PointRange(proto.Key("k"))},
			DbVersion: dbv,
		}
	}
	_, err = a.Execute(ctx, req("db.plain", db.Version))
	require.NoError(t, err)
	_, err = b.Execute(ctx, req("db.plain", db.Version))
	e := requireCode(t, apierrors.CodeStaleDbVersion, err)
	require.Equal(t, db.Version, e.WantedDB)

	// the sharded collection refuses unsharded requests
	_, err = a.Execute(ctx, req(testNs, db.Version))
	requireCode(t, apierrors.CodeStaleEpoch, err)

	// sharding db.plain bumps the database version
	_, err = tc.master.ShardCollection(ctx, "db.plain", "a")
	require.NoError(t, err)
	db2, err := tc.master.GetDatabase(ctx, "db")
	require.NoError(t, err)
	require.Greater(t, db2.Version.LastMod, db.Version.LastMod)
	_, err = a.Execute(ctx, req("db.plain", db2.Version))
	requireCode(t, apierrors.CodeStaleEpoch, err)
	_, err = a.Execute(ctx, req("db.plain", db.Version))
	requireCode(t, apierrors.CodeStaleDbVersion, err)
}

type downStore struct{}

func (downStore) GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error) {
	return nil, apierrors.NewAuthorityUnavailable("down")
}

func (downStore) GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	return nil, apierrors.NewAuthorityUnavailable("down")
}

func TestAuthority_ReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t)
	v1 := tc.meta.Version()
	v2 := tc.move(t, "a", "b")
	_, err := tc.shards["a"].Authority().Refresh(ctx, testNs)
	require.NoError(t, err)

	// restarted while the authority is unreachable
	a := tc.start(t, "a", downStore{})
	_, err = a.Execute(ctx, putReq("k", v1))
	e := requireCode(t, apierrors.CodeShardDoesNotOwnRange, err)
	require.Equal(t, v2, e.Wanted)

	// anything newer needs the authority
	_, err = a.Execute(ctx, putReq("k", v2.IncMajor()))
	requireCode(t, apierrors.CodeAuthorityUnavailable, err)
}

func TestRangeGate(t *testing.T) {
	ctx := context.Background()
	g := newRangeGate()
	r := proto.KeyRange{Min: proto.Key("b"), Max: proto.Key("d")}
	inside := []proto.KeyRange{proto.PointRange(proto.Key("c"))}
	outside := []proto.KeyRange{proto.PointRange(proto.Key("x"))}

	release, err := g.enter(ctx, inside, true)
	require.NoError(t, err)
	g.enterSection("m1", r, false)

	// running writes are drained within the bound
	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	require.ErrorIs(t, g.drain(dctx, r, false), context.DeadlineExceeded)
	cancel()
	release()
	require.NoError(t, g.drain(ctx, r, false))

	// new writes wait, reads and other ranges pass
	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = g.enter(wctx, inside, true)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	release, err = g.enter(ctx, inside, false)
	require.NoError(t, err)
	release()
	release, err = g.enter(ctx, outside, true)
	require.NoError(t, err)
	release()

	require.True(t, g.blockReads("m1"))
	rctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = g.enter(rctx, inside, false)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error)
	go func() {
		release, err := g.enter(ctx, inside, true)
		if err == nil {
			release()
		}
		done <- err
	}()
	require.True(t, g.exitSection("m1"))
	require.NoError(t, <-done)
	require.False(t, g.exitSection("m1"))
}
