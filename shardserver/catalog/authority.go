package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/shardroute/common/kvstore"
	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/shardserver/store"
)

const (
	filterPrefix   = "f/"
	databasePrefix = "db/"
)

// MetadataStore is the read side of the metadata authority.
type MetadataStore interface {
	GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error)
	GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error)
}

type (
	// filterState is the shard's view of a collection, table is nil when
	// the collection is not sharded.
	filterState struct {
		table *routing.Table
	}
	filterEntry struct {
		state atomic.Pointer[filterState]
		// lock is held for reading while a request runs against state and
		// for writing while the data of a gone incarnation is dropped
		lock sync.RWMutex
	}
	persistedFilter struct {
		Sharded bool                  `json:"sharded"`
		Meta    *proto.CollectionMeta `json:"meta,omitempty"`
	}
)

func (s *filterState) version() proto.CollectionVersion {
	if s.table == nil {
		return proto.UnshardedVersion
	}
	return s.table.Version()
}

// Authority decides whether a request routed with some version may touch
// this shard's data. It keeps the last known placement of every collection
// it was asked about, persisted so a restart does not forget what moved away.
type Authority struct {
	shardID        proto.ShardID
	store          *store.Store
	meta           MetadataStore
	refreshTimeout time.Duration
	// purge drops all local documents of a namespace
	purge func(ctx context.Context, ns proto.Namespace) error

	collections sync.Map // namespace -> *filterEntry
	databases   sync.Map // name -> *atomic.Pointer[proto.DatabaseEntry]
	singleRun   singleflight.Group
}

func newAuthority(shardID proto.ShardID, st *store.Store, meta MetadataStore, refreshTimeout time.Duration,
	purge func(ctx context.Context, ns proto.Namespace) error,
) *Authority {
	return &Authority{
		shardID:        shardID,
		store:          st,
		meta:           meta,
		refreshTimeout: refreshTimeout,
		purge:          purge,
	}
}

// load restores the persisted views.
func (a *Authority) load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	err := a.store.ListMeta(ctx, filterPrefix, func(key string, value []byte) error {
		pf := &persistedFilter{}
		if err := json.Unmarshal(value, pf); err != nil {
			return errors.Info(err, "json unmarshal filter failed")
		}
		st := &filterState{}
		if pf.Sharded {
			table, err := routing.NewTable(pf.Meta)
			if err != nil {
				return errors.Info(err, "rebuild table failed", key)
			}
			st.table = table
		}
		a.filterEntry(strings.TrimPrefix(key, filterPrefix)).state.Store(st)
		return nil
	})
	if err != nil {
		return err
	}
	err = a.store.ListMeta(ctx, databasePrefix, func(key string, value []byte) error {
		db := &proto.DatabaseEntry{}
		if err := json.Unmarshal(value, db); err != nil {
			return errors.Info(err, "json unmarshal database failed")
		}
		a.databaseEntry(db.Name).Store(db)
		return nil
	})
	if err != nil {
		return err
	}
	span.Infof("shard %s loaded local placement views", a.shardID)
	return nil
}

// Check accepts req or returns the staleness error telling the router what
// this shard knows.
func (a *Authority) Check(ctx context.Context, req *proto.ShardRequest) error {
	var err error
	if req.Version.IsUnsharded() {
		err = a.checkUnsharded(ctx, req)
	} else {
		err = a.checkSharded(ctx, req)
	}
	outcome := "ok"
	if err != nil {
		outcome = apierrors.CodeOf(err).String()
	}
	metrics.ShardVersionChecks.WithLabelValues(outcome).Inc()
	return err
}

func (a *Authority) checkSharded(ctx context.Context, req *proto.ShardRequest) error {
	ns := req.Operation.Namespace
	received := req.Version

	st := a.filterEntry(ns).state.Load()
	if st == nil || !st.version().AtLeast(received) {
		// the request knows something newer, or another incarnation
		var err error
		if st, err = a.Refresh(ctx, ns); err != nil {
			return err
		}
	}

	if st.table == nil {
		return apierrors.NewStaleEpoch(ns, a.shardID, received, proto.UnshardedVersion)
	}
	local := st.table.Version()
	c, ok := received.Compare(local)
	if !ok {
		return apierrors.NewStaleEpoch(ns, a.shardID, received, local)
	}
	owned := true
	for _, r := range req.Ranges {
		if !st.table.OwnsRange(a.shardID, r) {
			owned = false
			break
		}
	}
	switch {
	case !owned:
		return apierrors.NewShardDoesNotOwnRange(ns, a.shardID, received, local)
	case c != 0:
		return apierrors.NewStaleShardVersion(ns, a.shardID, received, local)
	}
	return nil
}

func (a *Authority) checkUnsharded(ctx context.Context, req *proto.ShardRequest) error {
	ns := req.Operation.Namespace
	dbName, _ := proto.SplitNamespace(ns)
	received := req.DbVersion

	db := a.databaseEntry(dbName).Load()
	if db == nil || !db.Version.Equal(received) {
		older := db != nil && db.Version.UUID == received.UUID && db.Version.LastMod > received.LastMod
		if !older {
			var err error
			if db, err = a.RefreshDatabase(ctx, dbName); err != nil {
				return err
			}
			// sharding a collection bumps the database version
			if _, err = a.Refresh(ctx, ns); err != nil {
				return err
			}
		}
	}
	if !db.Version.Equal(received) || db.Primary != a.shardID {
		return apierrors.NewStaleDbVersion(ns, a.shardID, db.Version)
	}

	st := a.filterEntry(ns).state.Load()
	if st == nil || st.table != nil {
		// a sharded view may predate a drop
		var err error
		if st, err = a.Refresh(ctx, ns); err != nil {
			return err
		}
	}
	if st.table != nil {
		return apierrors.NewStaleEpoch(ns, a.shardID, proto.UnshardedVersion, st.table.Version())
	}
	return nil
}

// pin holds the view req was checked against until the returned func is
// called. It fails with StaleEpoch when the incarnation changed since the
// check, so no request of a dropped incarnation touches the store after its
// data was purged.
func (a *Authority) pin(req *proto.ShardRequest) (func(), error) {
	ns := req.Operation.Namespace
	entry := a.filterEntry(ns)
	entry.lock.RLock()
	st := entry.state.Load()
	if st == nil || st.version().Epoch != req.Version.Epoch {
		entry.lock.RUnlock()
		wanted := proto.UnshardedVersion
		if st != nil {
			wanted = st.version()
		}
		return nil, apierrors.NewStaleEpoch(ns, a.shardID, req.Version, wanted)
	}
	return entry.lock.RUnlock, nil
}

// Table returns the local view of ns, nil when unknown or not sharded.
func (a *Authority) Table(ns proto.Namespace) *routing.Table {
	v, ok := a.collections.Load(ns)
	if !ok {
		return nil
	}
	st := v.(*filterEntry).state.Load()
	if st == nil {
		return nil
	}
	return st.table
}

// Refresh reloads the view of ns from the metadata authority. Concurrent
// refreshes of the same collection share one read.
func (a *Authority) Refresh(ctx context.Context, ns proto.Namespace) (*filterState, error) {
	ch := a.singleRun.DoChan("c/"+ns, func() (interface{}, error) {
		span, rctx := trace.StartSpanFromContextWithTraceID(context.WithoutCancel(ctx), "shard-refresh",
			trace.SpanFromContextSafe(ctx).TraceID())
		rctx, cancel := context.WithTimeout(rctx, a.refreshTimeout)
		defer cancel()

		meta, err := a.meta.GetCollection(rctx, ns)
		st := &filterState{}
		switch {
		case err == apierrors.ErrCollectionDoesNotExist:
		case err != nil:
			span.Warnf("shard %s refresh %s failed: %s", a.shardID, ns, err)
			return nil, err
		default:
			if st.table, err = routing.NewTable(meta); err != nil {
				return nil, err
			}
		}
		return a.install(rctx, ns, st)
	})

	select {
	case ret := <-ch:
		if ret.Err != nil {
			return nil, ret.Err
		}
		return ret.Val.(*filterState), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// install persists st before publishing it, and keeps the local view when
// it is newer within the same epoch. Leaving a sharded incarnation, by drop
// or by a new epoch, drops its local documents first.
func (a *Authority) install(ctx context.Context, ns proto.Namespace, st *filterState) (*filterState, error) {
	entry := a.filterEntry(ns)
	old := entry.state.Load()
	if old != nil && old.table != nil && st.table != nil {
		if c, ok := st.version().Compare(old.version()); ok && c < 0 {
			return old, nil
		}
	}
	if old != nil && old.table != nil && (st.table == nil || st.table.Epoch() != old.table.Epoch()) {
		entry.lock.Lock()
		defer entry.lock.Unlock()
		if err := a.purge(ctx, ns); err != nil {
			return nil, errors.Info(err, "purge data of dropped incarnation failed", ns)
		}
		trace.SpanFromContextSafe(ctx).Infof("shard %s dropped local data of %s epoch %s", a.shardID, ns, old.table.Epoch())
	}

	pf := &persistedFilter{Sharded: st.table != nil}
	if st.table != nil {
		pf.Meta = st.table.Meta()
	}
	if err := a.store.PutMeta(ctx, filterPrefix+ns, pf); err != nil {
		return nil, errors.Info(err, "persist filter failed", ns)
	}
	entry.state.Store(st)
	trace.SpanFromContextSafe(ctx).Debugf("shard %s installed %s at %s", a.shardID, ns, st.version())
	return st, nil
}

func (a *Authority) RefreshDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	ch := a.singleRun.DoChan("d/"+name, func() (interface{}, error) {
		span, rctx := trace.StartSpanFromContextWithTraceID(context.WithoutCancel(ctx), "shard-refresh",
			trace.SpanFromContextSafe(ctx).TraceID())
		rctx, cancel := context.WithTimeout(rctx, a.refreshTimeout)
		defer cancel()

		db, err := a.meta.GetDatabase(rctx, name)
		if err != nil {
			span.Warnf("shard %s refresh database %s failed: %s", a.shardID, name, err)
			return nil, err
		}
		if err = a.store.PutMeta(rctx, databasePrefix+name, db); err != nil {
			return nil, errors.Info(err, "persist database failed", name)
		}
		a.databaseEntry(name).Store(db)
		return db, nil
	})

	select {
	case ret := <-ch:
		if ret.Err != nil {
			return nil, ret.Err
		}
		return ret.Val.(*proto.DatabaseEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Authority) filterEntry(ns proto.Namespace) *filterEntry {
	if v, ok := a.collections.Load(ns); ok {
		return v.(*filterEntry)
	}
	v, _ := a.collections.LoadOrStore(ns, &filterEntry{})
	return v.(*filterEntry)
}

func (a *Authority) databaseEntry(name string) *atomic.Pointer[proto.DatabaseEntry] {
	if v, ok := a.databases.Load(name); ok {
		return v.(*atomic.Pointer[proto.DatabaseEntry])
	}
	v, _ := a.databases.LoadOrStore(name, &atomic.Pointer[proto.DatabaseEntry]{})
	return v.(*atomic.Pointer[proto.DatabaseEntry])
}

func isNotFound(err error) bool {
	return err == kvstore.ErrNotFound
}
