package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
)

const defaultRefreshTimeoutMs = 5000

const (
	ReasonInitial              = "initial"
	ReasonStaleShardVersion    = "stale_shard_version"
	ReasonShardDoesNotOwnRange = "shard_does_not_own_range"
	ReasonStaleEpoch           = "stale_epoch"
	ReasonStaleDbVersion       = "stale_db_version"
	ReasonShardUnknown         = "shard_unknown"
)

// MetadataStore is the read side of the metadata authority.
type MetadataStore interface {
	GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error)
	GetDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error)
}

type Config struct {
	// RefreshTimeoutMs bounds a metadata read independently of the callers
	// waiting on it.
	RefreshTimeoutMs int `json:"refresh_timeout_ms"`
}

// RoutingInfo is how a collection is routed: by its table when sharded, or
// to the database primary otherwise.
type RoutingInfo struct {
	Table    *routing.Table
	Database *proto.DatabaseEntry
}

func (r RoutingInfo) IsSharded() bool { return r.Table != nil }

// Version is the version requests routed with r carry.
func (r RoutingInfo) Version() proto.CollectionVersion {
	if r.Table == nil {
		return proto.UnshardedVersion
	}
	return r.Table.Version()
}

type (
	// collectionState is published whole, table is nil when the collection
	// is not sharded.
	collectionState struct {
		table *routing.Table
	}
	collectionEntry struct {
		state atomic.Pointer[collectionState]
	}
	databaseEntry struct {
		entry atomic.Pointer[proto.DatabaseEntry]
	}
)

// Catalog caches routing tables and database entries of one router. Reads
// of cached entries never block. Refreshes of the same entry are coalesced
// and run detached from the callers, so a caller giving up does not abort
// the read for everyone else.
type Catalog struct {
	store          MetadataStore
	refreshTimeout time.Duration

	collections sync.Map // namespace -> *collectionEntry
	databases   sync.Map // name -> *databaseEntry
	singleRun   singleflight.Group
}

func NewCatalog(cfg *Config, store MetadataStore) *Catalog {
	if cfg.RefreshTimeoutMs <= 0 {
		cfg.RefreshTimeoutMs = defaultRefreshTimeoutMs
	}
	return &Catalog{
		store:          store,
		refreshTimeout: time.Duration(cfg.RefreshTimeoutMs) * time.Millisecond,
	}
}

// Resolve returns the cached routing of ns, loading it on first use.
func (c *Catalog) Resolve(ctx context.Context, ns proto.Namespace) (RoutingInfo, error) {
	if !proto.ValidNamespace(ns) {
		return RoutingInfo{}, apierrors.ErrInvalidNamespace
	}
	entry := c.collectionEntry(ns)
	st := entry.state.Load()
	if st != nil {
		metrics.CatalogCacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CatalogCacheLookups.WithLabelValues("miss").Inc()
		var err error
		if st, err = c.refreshCollection(ctx, ns, entry, ReasonInitial); err != nil {
			return RoutingInfo{}, err
		}
	}
	return c.routingInfo(ctx, ns, st)
}

// ForceRefresh reloads ns after a shard reported staleness. wanted is the
// version the shard reported; a refresh already in flight satisfies the
// caller when it returns at least wanted, otherwise one more is issued.
func (c *Catalog) ForceRefresh(ctx context.Context, ns proto.Namespace, reason string,
	wanted proto.CollectionVersion,
) (RoutingInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	entry := c.collectionEntry(ns)
	st, err := c.refreshCollection(ctx, ns, entry, reason)
	if err != nil {
		return RoutingInfo{}, err
	}
	if !st.satisfies(wanted) {
		span.Debugf("refresh of %s returned %s, wanted %s, refreshing again", ns, st.version(), wanted)
		if st, err = c.refreshCollection(ctx, ns, entry, reason); err != nil {
			return RoutingInfo{}, err
		}
	}
	return c.routingInfo(ctx, ns, st)
}

// Invalidate drops the cached entry of ns. Refreshes in flight for the
// dropped entry are not published.
func (c *Catalog) Invalidate(ctx context.Context, ns proto.Namespace) {
	trace.SpanFromContextSafe(ctx).Infof("catalog cache entry of %s invalidated", ns)
	c.collections.Delete(ns)
}

// CachedVersion returns the cached version of ns without loading it.
func (c *Catalog) CachedVersion(ns proto.Namespace) (proto.CollectionVersion, bool) {
	v, ok := c.collections.Load(ns)
	if !ok {
		return proto.CollectionVersion{}, false
	}
	st := v.(*collectionEntry).state.Load()
	if st == nil {
		return proto.CollectionVersion{}, false
	}
	return st.version(), true
}

func (c *Catalog) ResolveDatabase(ctx context.Context, name string) (*proto.DatabaseEntry, error) {
	entry := c.databaseEntry(name)
	if db := entry.entry.Load(); db != nil {
		return db, nil
	}
	return c.refreshDatabase(ctx, name, entry, ReasonInitial)
}

// ForceRefreshDatabase reloads the database entry, issuing a second read when
// the first one is older than wanted.
func (c *Catalog) ForceRefreshDatabase(ctx context.Context, name string, reason string,
	wanted proto.DatabaseVersion,
) (*proto.DatabaseEntry, error) {
	entry := c.databaseEntry(name)
	db, err := c.refreshDatabase(ctx, name, entry, reason)
	if err != nil {
		return nil, err
	}
	if !wanted.IsZero() && db.Version.UUID == wanted.UUID && db.Version.LastMod < wanted.LastMod {
		return c.refreshDatabase(ctx, name, entry, reason)
	}
	return db, nil
}

func (c *Catalog) InvalidateDatabase(ctx context.Context, name string) {
	trace.SpanFromContextSafe(ctx).Infof("catalog cache entry of database %s invalidated", name)
	c.databases.Delete(name)
}

func (c *Catalog) collectionEntry(ns proto.Namespace) *collectionEntry {
	if v, ok := c.collections.Load(ns); ok {
		return v.(*collectionEntry)
	}
	v, _ := c.collections.LoadOrStore(ns, &collectionEntry{})
	return v.(*collectionEntry)
}

func (c *Catalog) databaseEntry(name string) *databaseEntry {
	if v, ok := c.databases.Load(name); ok {
		return v.(*databaseEntry)
	}
	v, _ := c.databases.LoadOrStore(name, &databaseEntry{})
	return v.(*databaseEntry)
}

func (c *Catalog) routingInfo(ctx context.Context, ns proto.Namespace, st *collectionState) (RoutingInfo, error) {
	if st.table != nil {
		return RoutingInfo{Table: st.table}, nil
	}
	dbName, _ := proto.SplitNamespace(ns)
	db, err := c.ResolveDatabase(ctx, dbName)
	if err != nil {
		return RoutingInfo{}, err
	}
	return RoutingInfo{Database: db}, nil
}

// refreshCollection reads ns from the store once for all concurrent callers
// of the same entry and publishes the result into entry.
func (c *Catalog) refreshCollection(ctx context.Context, ns proto.Namespace, entry *collectionEntry,
	reason string,
) (*collectionState, error) {
	key := fmt.Sprintf("c/%s/%p", ns, entry)
	ch := c.singleRun.DoChan(key, func() (interface{}, error) {
		span, rctx := trace.StartSpanFromContextWithTraceID(context.WithoutCancel(ctx), "catalog-refresh",
			trace.SpanFromContextSafe(ctx).TraceID())
		rctx, cancel := context.WithTimeout(rctx, c.refreshTimeout)
		defer cancel()

		start := time.Now()
		metrics.CatalogCacheRefreshes.WithLabelValues("collection", reason).Inc()
		meta, err := c.store.GetCollection(rctx, ns)
		metrics.CatalogCacheRefreshLatency.Observe(time.Since(start).Seconds())

		st := &collectionState{}
		switch {
		case err == apierrors.ErrCollectionDoesNotExist:
		case err != nil:
			span.Warnf("refresh collection %s failed, reason: %s, err: %s", ns, reason, err)
			return nil, err
		default:
			if st.table, err = routing.NewTable(meta); err != nil {
				span.Errorf("collection %s has a broken chunk layout: %s", ns, err)
				return nil, err
			}
			span.Debugf("collection %s has %d chunks on shards %v", ns, st.table.NumChunks(), st.table.Shards())
		}
		published := entry.publish(st)
		span.Debugf("collection %s refreshed, reason: %s, version: %s, published: %s",
			ns, reason, st.version(), published.version())
		return published, nil
	})

	select {
	case ret := <-ch:
		if ret.Err != nil {
			return nil, ret.Err
		}
		return ret.Val.(*collectionState), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Catalog) refreshDatabase(ctx context.Context, name string, entry *databaseEntry, reason string) (*proto.DatabaseEntry, error) {
	key := fmt.Sprintf("d/%s/%p", name, entry)
	ch := c.singleRun.DoChan(key, func() (interface{}, error) {
		span, rctx := trace.StartSpanFromContextWithTraceID(context.WithoutCancel(ctx), "catalog-refresh",
			trace.SpanFromContextSafe(ctx).TraceID())
		rctx, cancel := context.WithTimeout(rctx, c.refreshTimeout)
		defer cancel()

		metrics.CatalogCacheRefreshes.WithLabelValues("database", reason).Inc()
		db, err := c.store.GetDatabase(rctx, name)
		if err != nil {
			span.Warnf("refresh database %s failed, reason: %s, err: %s", name, reason, err)
			return nil, err
		}
		return entry.publish(db), nil
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

type Stats struct {
	Collections int `json:"collections"`
	Sharded     int `json:"sharded"`
	Databases   int `json:"databases"`
}

// Stats counts the loaded entries.
func (c *Catalog) Stats() Stats {
	ret := Stats{}
	c.collections.Range(func(_, v interface{}) bool {
		if st := v.(*collectionEntry).state.Load(); st != nil {
			ret.Collections++
			if st.table != nil {
				ret.Sharded++
			}
		}
		return true
	})
	c.databases.Range(func(_, v interface{}) bool {
		if v.(*databaseEntry).entry.Load() != nil {
			ret.Databases++
		}
		return true
	})
	return ret
}

func (s *collectionState) version() proto.CollectionVersion {
	if s.table == nil {
		return proto.UnshardedVersion
	}
	return s.table.Version()
}

// satisfies reports whether s is at least as new as wanted. Any state
// satisfies an unknown wanted version, a different epoch never does.
func (s *collectionState) satisfies(wanted proto.CollectionVersion) bool {
	if wanted.IsUnsharded() {
		return true
	}
	return s.version().AtLeast(wanted)
}

// publish installs st unless the entry already holds a newer version of the
// same epoch, and returns the state left in place.
func (e *collectionEntry) publish(st *collectionState) *collectionState {
	for {
		old := e.state.Load()
		if old != nil && old.table != nil && st.table != nil {
			if c, ok := st.version().Compare(old.version()); ok && c < 0 {
				return old
			}
		}
		if e.state.CompareAndSwap(old, st) {
			return st
		}
	}
}

func (e *databaseEntry) publish(db *proto.DatabaseEntry) *proto.DatabaseEntry {
	for {
		old := e.entry.Load()
		if old != nil && old.Version.UUID == db.Version.UUID && old.Version.LastMod > db.Version.LastMod {
			return old
		}
		if e.entry.CompareAndSwap(old, db) {
			return db
		}
	}
}
