package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/btree"

	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/shardserver/store"
)

const deletionPrefix = "rd/"

// rangeDeletion is a moved-away range whose local copy is still to be
// dropped.
type rangeDeletion struct {
	ID        proto.MigrationID `json:"id"`
	Namespace proto.Namespace   `json:"namespace"`
	Range     proto.KeyRange    `json:"range"`

	running bool
}

func (d *rangeDeletion) Less(than btree.Item) bool {
	o := than.(*rangeDeletion)
	if d.Namespace != o.Namespace {
		return d.Namespace < o.Namespace
	}
	if c := bytes.Compare(d.Range.Min, o.Range.Min); c != 0 {
		return c < 0
	}
	return d.ID < o.ID
}

// rangeDeleter drops moved ranges in the background. A range stays in the
// pending set, and persisted, until its data is gone, so the shard never
// receives a range it is still deleting.
type rangeDeleter struct {
	store    *store.Store
	taskPool taskpool.TaskPool

	lock sync.Mutex
	// done is signalled whenever a running deletion finishes
	done    *sync.Cond
	pending *btree.BTree
	wg      sync.WaitGroup
}

func newRangeDeleter(st *store.Store, workers int) *rangeDeleter {
	d := &rangeDeleter{
		store:    st,
		taskPool: taskpool.New(workers, workers),
		pending:  btree.New(8),
	}
	d.done = sync.NewCond(&d.lock)
	return d
}

// load reschedules deletions interrupted by a restart.
func (d *rangeDeleter) load(ctx context.Context) error {
	var loaded []*rangeDeletion
	err := d.store.ListMeta(ctx, deletionPrefix, func(key string, value []byte) error {
		item := &rangeDeletion{}
		if err := json.Unmarshal(value, item); err != nil {
			return errors.Info(err, "json unmarshal range deletion failed")
		}
		loaded = append(loaded, item)
		return nil
	})
	if err != nil {
		return err
	}
	for _, item := range loaded {
		d.start(ctx, item)
	}
	return nil
}

// schedule persists the deletion before running it. Scheduling the same
// migration twice is a no-op.
func (d *rangeDeleter) schedule(ctx context.Context, item *rangeDeletion) error {
	d.lock.Lock()
	exist := d.pending.Has(item)
	d.lock.Unlock()
	if exist {
		return nil
	}
	if err := d.store.PutMeta(ctx, deletionPrefix+item.ID, item); err != nil {
		return err
	}
	d.start(ctx, item)
	return nil
}

func (d *rangeDeleter) start(ctx context.Context, item *rangeDeletion) {
	d.lock.Lock()
	if d.pending.ReplaceOrInsert(item) != nil {
		d.lock.Unlock()
		return
	}
	d.lock.Unlock()

	d.wg.Add(1)
	traceID := trace.SpanFromContextSafe(ctx).TraceID()
	d.taskPool.Run(func() {
		defer d.wg.Done()
		d.lock.Lock()
		// purged before it got a worker
		if d.pending.Get(item) != item {
			d.lock.Unlock()
			return
		}
		item.running = true
		d.lock.Unlock()

		span, ctx := trace.StartSpanFromContextWithTraceID(context.Background(), "range-deletion", traceID)
		deleted := false
		defer func() {
			d.lock.Lock()
			item.running = false
			if deleted {
				d.pending.Delete(item)
			}
			d.done.Broadcast()
			d.lock.Unlock()
		}()
		if err := d.store.DeleteRange(ctx, item.Namespace, item.Range); err != nil {
			// stays pending, retried on the next start
			span.Errorf("delete range %s of %s failed: %s", item.Range, item.Namespace, errors.Detail(err))
			return
		}
		if err := d.store.DeleteMeta(ctx, deletionPrefix+item.ID); err != nil {
			span.Errorf("remove range deletion %s failed: %s", item.ID, errors.Detail(err))
			return
		}
		deleted = true
		span.Infof("range %s of %s deleted after migration %s", item.Range, item.Namespace, item.ID)
	})
}

// purge drops every document of ns. Deletions of ns still pending are
// subsumed: the running ones are waited for, the others never run.
func (d *rangeDeleter) purge(ctx context.Context, ns proto.Namespace) error {
	var dropped []*rangeDeletion
	d.lock.Lock()
	for {
		running := false
		var idle []*rangeDeletion
		d.pending.AscendGreaterOrEqual(&rangeDeletion{Namespace: ns}, func(i btree.Item) bool {
			item := i.(*rangeDeletion)
			if item.Namespace != ns {
				return false
			}
			if item.running {
				running = true
			} else {
				idle = append(idle, item)
			}
			return true
		})
		for _, item := range idle {
			d.pending.Delete(item)
		}
		dropped = append(dropped, idle...)
		if !running {
			break
		}
		d.done.Wait()
	}
	d.lock.Unlock()

	for _, item := range dropped {
		if err := d.store.DeleteMeta(ctx, deletionPrefix+item.ID); err != nil && !isNotFound(err) {
			return err
		}
	}
	return d.store.DeleteRange(ctx, ns, proto.FullRange())
}

// overlaps reports whether a deletion of ns overlapping r is pending.
func (d *rangeDeleter) overlaps(ns proto.Namespace, r proto.KeyRange) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	found := false
	d.pending.AscendGreaterOrEqual(&rangeDeletion{Namespace: ns}, func(i btree.Item) bool {
		item := i.(*rangeDeletion)
		if item.Namespace != ns {
			return false
		}
		if item.Range.Overlaps(r) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (d *rangeDeleter) pendingCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.pending.Len()
}

// wait blocks until the scheduled deletions have run.
func (d *rangeDeleter) wait() {
	d.wg.Wait()
}

func (d *rangeDeleter) close() {
	d.wg.Wait()
	d.taskPool.Close()
}
