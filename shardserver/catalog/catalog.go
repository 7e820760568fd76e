package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/shardserver/store"
	"github.com/cubefs/shardroute/util/limiter"
)

const (
	defaultRefreshTimeoutMs         = 5000
	defaultCriticalSectionTimeoutMs = 2000
	defaultDeleteWorkers            = 4
)

type Config struct {
	ShardID                  proto.ShardID       `json:"shard_id"`
	RefreshTimeoutMs         int                 `json:"refresh_timeout_ms"`
	CriticalSectionTimeoutMs int                 `json:"critical_section_timeout_ms"`
	FetchBatch               int                 `json:"fetch_batch"`
	DeleteWorkers            int                 `json:"delete_workers"`
	CloneLimit               limiter.LimitConfig `json:"clone_limit"`
}

func initConfig(cfg *Config) {
	if cfg.RefreshTimeoutMs <= 0 {
		cfg.RefreshTimeoutMs = defaultRefreshTimeoutMs
	}
	if cfg.CriticalSectionTimeoutMs <= 0 {
		cfg.CriticalSectionTimeoutMs = defaultCriticalSectionTimeoutMs
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = defaultFetchBatch
	}
	if cfg.DeleteWorkers <= 0 {
		cfg.DeleteWorkers = defaultDeleteWorkers
	}
}

// Catalog is the data path of one shard: every request passes the version
// authority and the range gate before it touches the store.
type Catalog struct {
	shardID   proto.ShardID
	store     *store.Store
	meta      MetadataStore
	peer      Peer
	authority *Authority
	deleter   *rangeDeleter
	limiter   limiter.Limiter

	gates        sync.Map // namespace -> *rangeGate
	donors       sync.Map // migration id -> *donorSession
	recipients   sync.Map // migration id -> *recipientSession
	sectionStart sync.Map // migration id -> time.Time
	donateLock   sync.Mutex

	criticalSectionTimeout time.Duration
	fetchBatch             int
}

func NewCatalog(ctx context.Context, cfg *Config, st *store.Store, meta MetadataStore, peer Peer) (*Catalog, error) {
	initConfig(cfg)
	span := trace.SpanFromContextSafe(ctx)

	c := &Catalog{
		shardID:                cfg.ShardID,
		store:                  st,
		meta:                   meta,
		peer:                   peer,
		deleter:                newRangeDeleter(st, cfg.DeleteWorkers),
		limiter:                limiter.NewLimiter(cfg.CloneLimit),
		criticalSectionTimeout: time.Duration(cfg.CriticalSectionTimeoutMs) * time.Millisecond,
		fetchBatch:             cfg.FetchBatch,
	}
	c.authority = newAuthority(cfg.ShardID, st, meta, time.Duration(cfg.RefreshTimeoutMs)*time.Millisecond, c.deleter.purge)
	if err := c.authority.load(ctx); err != nil {
		return nil, errors.Info(err, "load placement views failed")
	}
	if err := c.loadSections(ctx); err != nil {
		return nil, errors.Info(err, "load critical sections failed")
	}
	if err := c.deleter.load(ctx); err != nil {
		return nil, errors.Info(err, "load range deletions failed")
	}
	span.Infof("shard %s catalog started", c.shardID)
	return c, nil
}

func (c *Catalog) ShardID() proto.ShardID {
	return c.shardID
}

func (c *Catalog) Authority() *Authority {
	return c.authority
}

// Execute serves one shard's part of an operation. The operation is
// registered with the gate before its version is checked, so a critical
// section entered in between waits for it.
func (c *Catalog) Execute(ctx context.Context, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	op := &req.Operation
	if len(req.Ranges) == 0 {
		return nil, apierrors.ErrInvalidArgument
	}
	release, err := c.gate(op.Namespace).enter(ctx, req.Ranges, op.Type.IsWrite())
	if err != nil {
		return nil, err
	}
	defer release()

	if err = c.authority.Check(ctx, req); err != nil {
		return nil, err
	}
	unpin, err := c.authority.pin(req)
	if err != nil {
		return nil, err
	}
	defer unpin()
	return c.apply(ctx, req)
}

func (c *Catalog) apply(ctx context.Context, req *proto.ShardRequest) (*proto.ShardResponse, error) {
	op := &req.Operation
	ns := op.Namespace
	resp := &proto.ShardResponse{}

	switch op.Type {
	case proto.OpGet:
		value, err := c.store.Get(ctx, ns, op.Key)
		if isNotFound(err) {
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		resp.Found = true
		resp.Results = []proto.RangeResult{{
			Range: req.Ranges[0],
			Docs:  []proto.Document{{Key: op.Key, Value: value}},
		}}
	case proto.OpPut:
		if err := c.store.Put(ctx, ns, op.Key, op.Value); err != nil {
			return nil, err
		}
		c.recordMod(ns, op.Key)
		resp.Found = true
	case proto.OpDelete:
		if err := c.store.Delete(ctx, ns, op.Key); err != nil && !isNotFound(err) {
			return nil, err
		}
		c.recordMod(ns, op.Key)
	case proto.OpScan:
		for _, r := range req.Ranges {
			docs, err := c.store.Scan(ctx, ns, r, nil, op.Limit)
			if err != nil {
				return nil, err
			}
			resp.Found = resp.Found || len(docs) > 0
			resp.Results = append(resp.Results, proto.RangeResult{Range: r, Docs: docs})
		}
	default:
		return nil, apierrors.ErrUnknownOperationType
	}
	return resp, nil
}

func (c *Catalog) gate(ns proto.Namespace) *rangeGate {
	if v, ok := c.gates.Load(ns); ok {
		return v.(*rangeGate)
	}
	v, _ := c.gates.LoadOrStore(ns, newRangeGate())
	return v.(*rangeGate)
}

// Stats is a snapshot for the admin endpoint.
type Stats struct {
	ShardID          proto.ShardID  `json:"shard_id"`
	Donating         int            `json:"donating"`
	Receiving        int            `json:"receiving"`
	CriticalSections int            `json:"critical_sections"`
	PendingDeletions int            `json:"pending_deletions"`
	CloneLimit       limiter.Status `json:"clone_limit"`
}

func (c *Catalog) Stats() Stats {
	st := Stats{
		ShardID:          c.shardID,
		PendingDeletions: c.deleter.pendingCount(),
		CloneLimit:       c.limiter.Status(),
	}
	c.donors.Range(func(_, _ interface{}) bool { st.Donating++; return true })
	c.recipients.Range(func(_, _ interface{}) bool { st.Receiving++; return true })
	c.sectionStart.Range(func(_, _ interface{}) bool { st.CriticalSections++; return true })
	return st
}

func (c *Catalog) Close() {
	c.deleter.close()
}
