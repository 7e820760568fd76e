package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

const testNs = "db.coll"

func ver(epoch string, major, minor uint64) proto.CollectionVersion {
	return proto.CollectionVersion{Epoch: epoch, Major: major, Minor: minor}
}

type fakeStore struct {
	mu       sync.Mutex
	metas    map[proto.Namespace]proto.CollectionMeta
	dbs      map[string]proto.DatabaseEntry
	err      error
	collRead int
	dbRead   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		metas: make(map[proto.Namespace]proto.CollectionMeta),
		dbs: map[string]proto.DatabaseEntry{
			"db": {Name: "db", Primary: "a", Version: proto.DatabaseVersion{UUID: "u1", LastMod: 1}},
		},
	}
}

func (s *fakeStore) GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collRead++
	if s.err != nil {
		return nil, s.err
	}
	meta, ok := s.metas[ns]
	if !ok {
		return nil, apierrors.ErrCollectionDoesNotExist
	}
	meta.Chunks = append([]proto.Chunk(nil), meta.Chunks...)
	return &meta, nil
}

func (s *fakeStore) GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbRead++
	if s.err != nil {
		return nil, s.err
	}
	db, ok := s.dbs[name]
	if !ok {
		return nil, apierrors.ErrDatabaseDoesNotExist
	}
	return &db, nil
}

func (s *fakeStore) setMeta(meta proto.CollectionMeta) {
	s.mu.Lock()
	s.metas[meta.Namespace] = meta
	s.mu.Unlock()
}

func (s *fakeStore) setDatabase(db proto.DatabaseEntry) {
	s.mu.Lock()
	s.dbs[db.Name] = db
	s.mu.Unlock()
}

func (s *fakeStore) collectionReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collRead
}

// threeChunks is [Min,g) on a, [g,p) on b and [p,Max) on a.
func threeChunks(epoch string, major uint64) proto.CollectionMeta {
	return proto.CollectionMeta{
		Namespace: testNs,
		Epoch:     epoch,
		Chunks: []proto.Chunk{
			{Range: proto.KeyRange{Max: proto.Key("g")}, Shard: "a", Version: ver(epoch, major, 0)},
			{Range: proto.KeyRange{Min: proto.Key("g"), Max: proto.Key("p")}, Shard: "b", Version: ver(epoch, major, 1)},
			{Range: proto.KeyRange{Min: proto.Key("p")}, Shard: "a", Version: ver(epoch, major, 2)},
		},
	}
}

type sent struct {
	shard proto.ShardID
	req   *proto.ShardRequest
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	handler func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error)
}

func (t *fakeTransport) Execute(ctx context.Context, shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	t.mu.Lock()
	t.sent = append(t.sent, sent{shard: shard, req: req})
	t.mu.Unlock()
	return t.handler(shard, req)
}

func (t *fakeTransport) calls() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.sent...)
}

func echo(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	resp := &proto.ShardResponse{Found: true}
	for _, r := range req.Ranges {
		resp.Results = append(resp.Results, proto.RangeResult{
			Range: r,
			Docs:  []proto.Document{{Key: r.Min, Value: []byte(shard)}},
		})
	}
	// reverse to make sure the merge does not depend on arrival order
	for i, j := 0, len(resp.Results)-1; i < j; i, j = i+1, j-1 {
		resp.Results[i], resp.Results[j] = resp.Results[j], resp.Results[i]
	}
	return resp, nil
}

type testRouter struct {
	*Router
	store     *fakeStore
	transport *fakeTransport
	sleeps    []time.Duration
}

func newTestRouter(t *testing.T, policy RetryPolicy) *testRouter {
	tr := &testRouter{store: newFakeStore(), transport: &fakeTransport{handler: echo}}
	tr.Router = newRouter(&Config{RetryPolicy: policy}, tr.store, tr.transport, nil)
	tr.Router.sleep = func(ctx context.Context, d time.Duration) error {
		tr.sleeps = append(tr.sleeps, d)
		return ctx.Err()
	}
	return tr
}

func TestRouter_ScanFanOutMerge(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))

	ret, err := r.Scan(ctx, testNs, proto.FullRange(), 0)
	require.NoError(t, err)
	require.Len(t, ret.Docs, 3)
	require.Equal(t, []byte("a"), ret.Docs[0].Value)
	require.Equal(t, proto.Key("g"), ret.Docs[1].Key)
	require.Equal(t, []byte("b"), ret.Docs[1].Value)
	require.Equal(t, proto.Key("p"), ret.Docs[2].Key)

	calls := r.transport.calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		require.Equal(t, ver("e1", 1, 2), c.req.Version)
		if c.shard == "a" {
			require.Len(t, c.req.Ranges, 2)
		}
	}

	ret, err = r.Scan(ctx, testNs, proto.FullRange(), 2)
	require.NoError(t, err)
	require.Len(t, ret.Docs, 2)
}

func TestRouter_PointOpSingleShard(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))

	require.NoError(t, r.Put(ctx, testNs, proto.Key("k"), []byte("v")))
	calls := r.transport.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "b", calls[0].shard)
	require.Equal(t, []proto.KeyRange{proto.PointRange(proto.Key("k"))}, calls[0].req.Ranges)
	require.Equal(t, ver("e1", 1, 2), calls[0].req.Version)

	// a key on a chunk's lower bound belongs to that chunk
	for key, shard := range map[string]proto.ShardID{"g": "b", "p": "a", "f": "a", "zz": "a"} {
		_, err := r.Get(ctx, testNs, proto.Key(key))
		require.NoError(t, err)
		calls = r.transport.calls()
		require.Equal(t, shard, calls[len(calls)-1].shard, key)
	}
}

func TestRouter_Validate(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})

	_, err := r.Execute(ctx, &proto.Operation{Type: proto.OpUnknown, Namespace: testNs})
	require.ErrorIs(t, err, apierrors.ErrUnknownOperationType)
	_, err = r.Get(ctx, testNs, nil)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = r.Get(ctx, "nodot", proto.Key("k"))
	require.ErrorIs(t, err, apierrors.ErrInvalidNamespace)
	_, err = r.Scan(ctx, testNs, proto.KeyRange{Min: proto.Key("b"), Max: proto.Key("a")}, 0)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	require.Empty(t, r.transport.calls())
}

func TestRouter_StaleShardVersionRefresh(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))
	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)

	// the chunk moved behind the router's back
	r.store.setMeta(threeChunks("e1", 2))
	current := ver("e1", 2, 2)
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		if !req.Version.Equal(current) {
			return nil, apierrors.NewStaleShardVersion(testNs, shard, req.Version, current)
		}
		return echo(shard, req)
	}

	_, err = r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)
	calls := r.transport.calls()
	require.Len(t, calls, 3)
	require.Equal(t, current, calls[2].req.Version)
	cached, ok := r.cache.CachedVersion(testNs)
	require.True(t, ok)
	require.Equal(t, current, cached)
	require.Empty(t, r.sleeps)
}

func TestRouter_ShortcutWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))
	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)

	r.store.setMeta(threeChunks("e1", 2))
	current := ver("e1", 2, 2)
	first := true
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		if first {
			first = false
			// a concurrent operation refreshes the cache meanwhile
			_, err := r.cache.ForceRefresh(ctx, testNs, "test", current)
			require.NoError(t, err)
			return nil, apierrors.NewStaleShardVersion(testNs, shard, req.Version, current)
		}
		return echo(shard, req)
	}

	reads := r.store.collectionReads()
	_, err = r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)
	require.Equal(t, reads+1, r.store.collectionReads())
	require.Len(t, r.transport.calls(), 3)
}

func TestRouter_StaleEpochInvalidates(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 5))
	_, err := r.Get(ctx, testNs, proto.Key("z"))
	require.NoError(t, err)

	// dropped and re-sharded, the new incarnation starts over at 1
	r.store.setMeta(threeChunks("e2", 1))
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		if req.Version.Epoch != "e2" {
			return nil, apierrors.NewStaleEpoch(testNs, shard, req.Version, ver("e2", 1, 2))
		}
		return echo(shard, req)
	}

	_, err = r.Get(ctx, testNs, proto.Key("z"))
	require.NoError(t, err)
	cached, ok := r.cache.CachedVersion(testNs)
	require.True(t, ok)
	require.Equal(t, ver("e2", 1, 2), cached)
}

func TestRouter_UnshardedDbVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	require.NoError(t, r.Put(ctx, testNs, proto.Key("k"), []byte("v")))
	calls := r.transport.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "a", calls[0].shard)
	require.True(t, calls[0].req.Version.IsUnsharded())
	require.Equal(t, proto.DatabaseVersion{UUID: "u1", LastMod: 1}, calls[0].req.DbVersion)

	// the database moved its primary
	moved := proto.DatabaseVersion{UUID: "u1", LastMod: 2}
	r.store.setDatabase(proto.DatabaseEntry{Name: "db", Primary: "b", Version: moved})
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		if !req.DbVersion.Equal(moved) {
			return nil, apierrors.NewStaleDbVersion(testNs, shard, moved)
		}
		return echo(shard, req)
	}
	require.NoError(t, r.Put(ctx, testNs, proto.Key("k"), []byte("v")))
	calls = r.transport.calls()
	require.Equal(t, "b", calls[len(calls)-1].shard)
}

func TestRouter_Exhausted(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{MaxAttempts: 6, NoBackoffAttempts: 2, InitialBackoffMs: 10, MaxBackoffMs: 40})
	r.store.setMeta(threeChunks("e1", 1))
	// the shard keeps reporting a version the authority never returns
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		return nil, apierrors.NewStaleShardVersion(testNs, shard, req.Version, ver("e1", 9, 0))
	}

	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.Equal(t, apierrors.CodeStaleConfigExhausted, apierrors.CodeOf(err))
	require.Len(t, r.transport.calls(), 6)
	require.Len(t, r.sleeps, 3)
	for _, d := range r.sleeps {
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestRouter_ShardUnknownTopologyUnstable(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{MaxAttempts: 3})
	r.store.setMeta(threeChunks("e1", 1))
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		return nil, apierrors.NewShardUnknown(shard)
	}

	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.Equal(t, apierrors.CodeTopologyUnstable, apierrors.CodeOf(err))
	require.Len(t, r.transport.calls(), 3)
}

func TestRouter_AuthorityUnavailable(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))
	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)

	r.store.mu.Lock()
	r.store.err = apierrors.NewAuthorityUnavailable("master down")
	r.store.mu.Unlock()

	// a warm cache keeps serving
	_, err = r.Get(ctx, testNs, proto.Key("a"))
	require.NoError(t, err)

	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		return nil, apierrors.NewStaleShardVersion(testNs, shard, req.Version, ver("e1", 2, 0))
	}
	_, err = r.Get(ctx, testNs, proto.Key("a"))
	require.True(t, apierrors.IsAuthorityUnavailable(err))
	require.Len(t, r.transport.calls(), 3)
}

func TestRouter_DataErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, RetryPolicy{})
	r.store.setMeta(threeChunks("e1", 1))
	r.transport.handler = func(shard proto.ShardID, req *proto.ShardRequest) (*proto.ShardResponse, error) {
		return nil, apierrors.ErrKeyNotFound
	}
	_, err := r.Get(ctx, testNs, proto.Key("a"))
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)
	require.Len(t, r.transport.calls(), 1)
}
