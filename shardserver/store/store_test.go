package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardroute/common/kvstore"
	"github.com/cubefs/shardroute/proto"
)

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(context.Background(), &Config{Path: t.TempDir(), KVType: kvstore.MemoryKVType})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func keys(docs []proto.Document) []string {
	ret := make([]string, len(docs))
	for i := range docs {
		ret[i] = string(docs[i].Key)
	}
	return ret
}

func TestStore_Documents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "db.a", proto.Key("k1"), []byte("v1")))
	require.NoError(t, s.Put(ctx, "db.ab", proto.Key("k1"), []byte("other")))
	v, err := s.Get(ctx, "db.a", proto.Key("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, "db.a", proto.Key("k1")))
	_, err = s.Get(ctx, "db.a", proto.Key("k1"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	// namespaces sharing a prefix stay apart
	docs, err := s.Scan(ctx, "db.a", proto.FullRange(), nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 0)
}

func TestStore_ScanAndDeleteRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var docs []proto.Document
	for i := 0; i < 10; i++ {
		docs = append(docs, proto.Document{Key: proto.Key(fmt.Sprintf("k%d", i)), Value: []byte("v")})
	}
	require.NoError(t, s.Apply(ctx, "db.c", docs, nil))
	require.NoError(t, s.Put(ctx, "db.d", proto.Key("k0"), []byte("v")))

	r := proto.KeyRange{Min: proto.Key("k2"), Max: proto.Key("k6")}
	got, err := s.Scan(ctx, "db.c", r, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k3", "k4", "k5"}, keys(got))

	got, err = s.Scan(ctx, "db.c", r, nil, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k3"}, keys(got))
	got, err = s.Scan(ctx, "db.c", r, got[1].Key, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"k4", "k5"}, keys(got))

	require.NoError(t, s.Apply(ctx, "db.c", nil, []proto.Key{proto.Key("k9")}))
	require.NoError(t, s.DeleteRange(ctx, "db.c", r))
	got, err = s.Scan(ctx, "db.c", proto.FullRange(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"k0", "k1", "k6", "k7", "k8"}, keys(got))

	require.NoError(t, s.DeleteRange(ctx, "db.c", proto.KeyRange{Min: proto.Key("k7")}))
	got, err = s.Scan(ctx, "db.c", proto.FullRange(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"k0", "k1", "k6"}, keys(got))

	got, err = s.Scan(ctx, "db.d", proto.FullRange(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"k0"}, keys(got))
}

func TestStore_Meta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type item struct {
		N int `json:"n"`
	}
	require.NoError(t, s.PutMeta(ctx, "x/1", &item{N: 1}))
	require.NoError(t, s.PutMeta(ctx, "x/2", &item{N: 2}))
	require.NoError(t, s.PutMeta(ctx, "y/1", &item{N: 3}))

	got := &item{}
	require.NoError(t, s.GetMeta(ctx, "x/2", got))
	require.Equal(t, 2, got.N)

	var listed []string
	require.NoError(t, s.ListMeta(ctx, "x/", func(key string, _ []byte) error {
		listed = append(listed, key)
		return nil
	}))
	require.Equal(t, []string{"x/1", "x/2"}, listed)

	require.NoError(t, s.DeleteMeta(ctx, "x/1"))
	require.ErrorIs(t, s.GetMeta(ctx, "x/1", got), kvstore.ErrNotFound)
}
