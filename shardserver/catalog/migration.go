package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
)

const (
	sectionPrefix = "cs/"

	defaultFetchBatch     = 512
	defaultBatchesPerCall = 16
)

// Peer reaches the other shards of the cluster.
type Peer interface {
	Fetch(ctx context.Context, shard proto.ShardID, req *proto.FetchRequest) (*proto.FetchResponse, error)
}

type (
	// donorSession captures the keys written to the migrating range until
	// the recipient has replayed them.
	donorSession struct {
		rec proto.MigrationRecord

		lock sync.Mutex
		mods map[string]struct{}
	}
	recipientSession struct {
		rec    proto.MigrationRecord
		marker proto.Key
		eof    bool
		cloned int
	}
	persistedSection struct {
		Record     proto.MigrationRecord `json:"record"`
		BlockReads bool                  `json:"block_reads"`
		EnteredAt  int64                 `json:"entered_at"`
	}
)

func (s *donorSession) record(key proto.Key) {
	s.lock.Lock()
	s.mods[string(key)] = struct{}{}
	s.lock.Unlock()
}

// take removes up to n captured keys.
func (s *donorSession) take(n int) ([]proto.Key, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ret := make([]proto.Key, 0, n)
	for k := range s.mods {
		if len(ret) >= n {
			break
		}
		ret = append(ret, proto.Key(k))
		delete(s.mods, k)
	}
	return ret, len(s.mods)
}

func (s *donorSession) pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.mods)
}

// Migrate runs one step of a migration on this shard.
func (c *Catalog) Migrate(ctx context.Context, cmd *proto.MigrationCommand) (*proto.MigrationCommandResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	rec := &cmd.Record
	span.Debugf("shard %s migration %s command %d", c.shardID, rec.ID, cmd.Type)

	switch cmd.Type {
	case proto.MigrationCmdStartDonate:
		return c.startDonate(ctx, rec)
	case proto.MigrationCmdEnterCriticalSection:
		return c.enterCriticalSection(ctx, rec)
	case proto.MigrationCmdBlockReads:
		return c.blockReads(ctx, rec)
	case proto.MigrationCmdExitCriticalSection:
		return c.exitCriticalSection(ctx, rec)
	case proto.MigrationCmdCleanupDonor:
		return c.cleanupDonor(ctx, rec)
	case proto.MigrationCmdClone:
		return c.clone(ctx, rec)
	case proto.MigrationCmdCatchUp:
		return c.catchUp(ctx, rec, cmd.MaxLag)
	case proto.MigrationCmdAbortRecipient:
		return c.abortRecipient(ctx, rec)
	case proto.MigrationCmdRefresh:
		if _, err := c.authority.Refresh(ctx, rec.Namespace); err != nil {
			return nil, err
		}
		return &proto.MigrationCommandResult{Done: true}, nil
	case proto.MigrationCmdForget:
		c.donors.Delete(rec.ID)
		c.recipients.Delete(rec.ID)
		return &proto.MigrationCommandResult{Done: true}, nil
	}
	return nil, apierrors.ErrInvalidArgument
}

// startDonate checks this shard owns exactly the range at the expected
// version and starts capturing writes to it.
func (c *Catalog) startDonate(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	if rec.Donor != c.shardID {
		return nil, apierrors.ErrInvalidArgument
	}
	if _, ok := c.donors.Load(rec.ID); ok {
		return &proto.MigrationCommandResult{Done: true}, nil
	}
	st, err := c.authority.Refresh(ctx, rec.Namespace)
	if err != nil {
		return nil, err
	}
	if err = checkDonorChunk(st.table, c.shardID, rec); err != nil {
		return nil, err
	}

	c.donateLock.Lock()
	defer c.donateLock.Unlock()
	busy := false
	c.donors.Range(func(_, v interface{}) bool {
		other := v.(*donorSession).rec
		busy = other.Namespace == rec.Namespace && other.Range.Overlaps(rec.Range)
		return !busy
	})
	if busy {
		return nil, apierrors.NewConflict(rec.Namespace, apierrors.ErrMigrationInProgress.Error())
	}

	session := &donorSession{rec: *rec, mods: make(map[string]struct{})}
	if _, loaded := c.donors.LoadOrStore(rec.ID, session); loaded {
		return &proto.MigrationCommandResult{Done: true}, nil
	}
	trace.SpanFromContextSafe(ctx).Infof("shard %s donating %s of %s to %s, migration %s",
		c.shardID, rec.Range, rec.Namespace, rec.Recipient, rec.ID)
	return &proto.MigrationCommandResult{Done: true}, nil
}

func checkDonorChunk(table *routing.Table, self proto.ShardID, rec *proto.MigrationRecord) error {
	if table == nil || !table.Version().Equal(rec.ExpectedVersion) {
		return apierrors.NewConflict(rec.Namespace, "collection changed since the migration started")
	}
	chunk, ok := table.ExactChunk(rec.Range)
	if !ok || chunk.Shard != self {
		return apierrors.NewConflict(rec.Namespace, "donor does not own the chunk")
	}
	return nil
}

// recordMod is called after every write applied to ns.
func (c *Catalog) recordMod(ns proto.Namespace, key proto.Key) {
	c.donors.Range(func(_, v interface{}) bool {
		session := v.(*donorSession)
		if session.rec.Namespace == ns && session.rec.Range.Contains(key) {
			session.record(key)
		}
		return true
	})
}

// enterCriticalSection blocks new writes to the range, persisted first so a
// restart does not reopen it, and waits for running writes to drain.
func (c *Catalog) enterCriticalSection(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	v, ok := c.donors.Load(rec.ID)
	if !ok {
		return nil, apierrors.ErrMigrationNotFound
	}
	session := v.(*donorSession)

	gate := c.gate(rec.Namespace)
	if !gate.inSection(rec.ID) {
		ps := &persistedSection{Record: *rec, EnteredAt: time.Now().UnixNano()}
		if err := c.store.PutMeta(ctx, sectionPrefix+rec.ID, ps); err != nil {
			return nil, errors.Info(err, "persist critical section failed")
		}
		gate.enterSection(rec.ID, rec.Range, false)
		c.sectionStart.Store(rec.ID, time.Now())
	}

	dctx, cancel := context.WithTimeout(ctx, c.criticalSectionTimeout)
	defer cancel()
	if err := gate.drain(dctx, rec.Range, false); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("migration %s drain writes failed: %s", rec.ID, err)
		return nil, apierrors.ErrCriticalSectionTimeout
	}
	return &proto.MigrationCommandResult{Pending: session.pending(), Done: true}, nil
}

func (c *Catalog) blockReads(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	gate := c.gate(rec.Namespace)
	if !gate.blockReads(rec.ID) {
		return nil, apierrors.ErrMigrationNotFound
	}
	ps := &persistedSection{Record: *rec, BlockReads: true, EnteredAt: time.Now().UnixNano()}
	if err := c.store.PutMeta(ctx, sectionPrefix+rec.ID, ps); err != nil {
		return nil, errors.Info(err, "persist critical section failed")
	}

	dctx, cancel := context.WithTimeout(ctx, c.criticalSectionTimeout)
	defer cancel()
	if err := gate.drain(dctx, rec.Range, true); err != nil {
		return nil, apierrors.ErrCriticalSectionTimeout
	}
	return &proto.MigrationCommandResult{Done: true}, nil
}

// exitCriticalSection learns the outcome from the authority before letting
// operations in, so they are checked against the new placement.
func (c *Catalog) exitCriticalSection(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	if _, err := c.authority.Refresh(ctx, rec.Namespace); err != nil {
		return nil, err
	}
	if err := c.store.DeleteMeta(ctx, sectionPrefix+rec.ID); err != nil && !isNotFound(err) {
		return nil, err
	}
	if c.gate(rec.Namespace).exitSection(rec.ID) {
		if v, ok := c.sectionStart.LoadAndDelete(rec.ID); ok {
			metrics.ShardCriticalSectionSeconds.Observe(time.Since(v.(time.Time)).Seconds())
		}
		trace.SpanFromContextSafe(ctx).Infof("shard %s left critical section of migration %s", c.shardID, rec.ID)
	}
	c.donors.Delete(rec.ID)
	return &proto.MigrationCommandResult{Done: true}, nil
}

// cleanupDonor drops the moved range once the authority durably names the
// recipient as its owner.
func (c *Catalog) cleanupDonor(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	meta, err := c.meta.GetCollection(ctx, rec.Namespace)
	if err != nil {
		return nil, err
	}
	table, err := routing.NewTable(meta)
	if err != nil {
		return nil, err
	}
	if !table.Version().AtLeast(rec.CommittedVersion) || !table.OwnsRange(rec.Recipient, rec.Range) {
		return nil, apierrors.NewConflict(rec.Namespace, "the authority does not show the recipient as owner")
	}
	if _, err = c.authority.Refresh(ctx, rec.Namespace); err != nil {
		return nil, err
	}
	err = c.deleter.schedule(ctx, &rangeDeletion{ID: rec.ID, Namespace: rec.Namespace, Range: rec.Range})
	if err != nil {
		return nil, err
	}
	return &proto.MigrationCommandResult{Done: true}, nil
}

// Fetch serves a recipient: the clone stream of the range, or the keys
// written to it since they were last fetched.
func (c *Catalog) Fetch(ctx context.Context, req *proto.FetchRequest) (*proto.FetchResponse, error) {
	v, ok := c.donors.Load(req.MigrationID)
	if !ok {
		return nil, apierrors.ErrMigrationNotFound
	}
	session := v.(*donorSession)
	limit := req.Limit
	if limit <= 0 {
		limit = defaultFetchBatch
	}
	ns := session.rec.Namespace

	if req.Mods {
		keys, pending := session.take(limit)
		resp := &proto.FetchResponse{Pending: pending}
		for _, key := range keys {
			value, err := c.store.Get(ctx, ns, key)
			switch {
			case isNotFound(err):
				resp.Deleted = append(resp.Deleted, key)
			case err != nil:
				// put back, the recipient asks again
				session.record(key)
				return nil, err
			default:
				resp.Docs = append(resp.Docs, proto.Document{Key: key, Value: value})
			}
		}
		return resp, nil
	}

	docs, err := c.store.Scan(ctx, ns, session.rec.Range, req.Marker, limit)
	if err != nil {
		return nil, err
	}
	resp := &proto.FetchResponse{Docs: docs, Pending: session.pending(), EOF: len(docs) < limit}
	if len(docs) > 0 {
		resp.Next = docs[len(docs)-1].Key
	}
	return resp, nil
}

// clone pulls a bounded number of batches from the donor. The caller repeats
// until Done.
func (c *Catalog) clone(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	if rec.Recipient != c.shardID {
		return nil, apierrors.ErrInvalidArgument
	}
	session, err := c.recipientSession(ctx, rec)
	if err != nil {
		return nil, err
	}
	if session.eof {
		return &proto.MigrationCommandResult{Cloned: session.cloned, Done: true}, nil
	}
	// too many clones running, the coordinator polls again
	if err = c.limiter.Acquire(); err != nil {
		return &proto.MigrationCommandResult{Cloned: session.cloned}, nil
	}
	defer c.limiter.Release()

	for i := 0; i < defaultBatchesPerCall && !session.eof; i++ {
		resp, err := c.peer.Fetch(ctx, rec.Donor, &proto.FetchRequest{
			MigrationID: rec.ID,
			Namespace:   rec.Namespace,
			Marker:      session.marker,
			Limit:       c.fetchBatch,
		})
		if err != nil {
			return nil, err
		}
		if err = c.limiter.WaitN(ctx, len(resp.Docs), docsSize(resp.Docs)); err != nil {
			return nil, err
		}
		if err = c.store.Apply(ctx, rec.Namespace, resp.Docs, nil); err != nil {
			return nil, err
		}
		session.cloned += len(resp.Docs)
		session.marker = resp.Next
		session.eof = resp.EOF
		metrics.MigrationClonedDocs.Add(float64(len(resp.Docs)))
	}
	return &proto.MigrationCommandResult{Cloned: session.cloned, Done: session.eof}, nil
}

// catchUp replays the donor's captured writes until at most maxLag remain.
func (c *Catalog) catchUp(ctx context.Context, rec *proto.MigrationRecord, maxLag int) (*proto.MigrationCommandResult, error) {
	v, ok := c.recipients.Load(rec.ID)
	if !ok {
		return nil, apierrors.ErrMigrationNotFound
	}
	session := v.(*recipientSession)
	if !session.eof {
		return nil, apierrors.ErrInvalidArgument
	}

	ret := &proto.MigrationCommandResult{Cloned: session.cloned}
	for i := 0; i < defaultBatchesPerCall; i++ {
		resp, err := c.peer.Fetch(ctx, rec.Donor, &proto.FetchRequest{
			MigrationID: rec.ID,
			Namespace:   rec.Namespace,
			Mods:        true,
			Limit:       c.fetchBatch,
		})
		if err != nil {
			return nil, err
		}
		if err = c.store.Apply(ctx, rec.Namespace, resp.Docs, resp.Deleted); err != nil {
			return nil, err
		}
		ret.Applied += len(resp.Docs) + len(resp.Deleted)
		ret.Pending = resp.Pending
		if resp.Pending <= maxLag {
			ret.Done = true
			break
		}
	}
	return ret, nil
}

// abortRecipient discards the partial copy, unless this shard owns the
// range after all.
func (c *Catalog) abortRecipient(ctx context.Context, rec *proto.MigrationRecord) (*proto.MigrationCommandResult, error) {
	c.recipients.Delete(rec.ID)
	st, err := c.authority.Refresh(ctx, rec.Namespace)
	if err != nil {
		return nil, err
	}
	if st.table != nil && st.table.OwnsRange(c.shardID, rec.Range) {
		return nil, apierrors.NewConflict(rec.Namespace, "recipient owns the range")
	}
	if err = c.store.DeleteRange(ctx, rec.Namespace, rec.Range); err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("shard %s discarded %s of %s, migration %s aborted",
		c.shardID, rec.Range, rec.Namespace, rec.ID)
	return &proto.MigrationCommandResult{Done: true}, nil
}

// recipientSession starts receiving on an empty range. A range still being
// deleted from an earlier migration is refused.
func (c *Catalog) recipientSession(ctx context.Context, rec *proto.MigrationRecord) (*recipientSession, error) {
	if v, ok := c.recipients.Load(rec.ID); ok {
		return v.(*recipientSession), nil
	}
	if c.deleter.overlaps(rec.Namespace, rec.Range) {
		return nil, apierrors.NewConflict(rec.Namespace, "range deletion pending on recipient")
	}
	st, err := c.authority.Refresh(ctx, rec.Namespace)
	if err != nil {
		return nil, err
	}
	if st.table != nil && st.table.OwnsRange(c.shardID, rec.Range) {
		return nil, apierrors.NewConflict(rec.Namespace, "recipient already owns the range")
	}
	if err = c.store.DeleteRange(ctx, rec.Namespace, rec.Range); err != nil {
		return nil, err
	}
	v, _ := c.recipients.LoadOrStore(rec.ID, &recipientSession{rec: *rec})
	return v.(*recipientSession), nil
}

// loadSections re-enters the critical sections held before a restart. The
// coordinator of each migration decides how they end.
func (c *Catalog) loadSections(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	return c.store.ListMeta(ctx, sectionPrefix, func(key string, value []byte) error {
		ps := &persistedSection{}
		if err := json.Unmarshal(value, ps); err != nil {
			return errors.Info(err, "json unmarshal critical section failed")
		}
		rec := &ps.Record
		c.gate(rec.Namespace).enterSection(rec.ID, rec.Range, ps.BlockReads)
		c.sectionStart.Store(rec.ID, time.Now())
		span.Warnf("shard %s re-entered critical section of migration %s on %s", c.shardID, rec.ID, rec.Range)
		return nil
	})
}

func docsSize(docs []proto.Document) int {
	n := 0
	for i := range docs {
		n += len(docs[i].Key) + len(docs[i].Value)
	}
	return n
}
