// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package migration

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"

	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
)

const (
	defaultTaskPoolSize             = 4
	defaultCatchUpMaxLag            = 64
	defaultCatchUpTimeoutMs         = 30000
	defaultCatchUpStallRounds       = 16
	defaultCriticalSectionTimeoutMs = 5000
	defaultCommandTimeoutMs         = 10000
	defaultRetryIntervalMs          = 200
	defaultMaxStepRetries           = 10
	defaultRecoverIntervalS         = 30
)

type (
	// Store is the part of the metadata authority the coordinator drives.
	Store interface {
		GetCollection(ctx context.Context, ns proto.Namespace) (*proto.CollectionMeta, error)
		ListShards(ctx context.Context) ([]proto.ShardInfo, error)
		ConditionalWrite(ctx context.Context, ns proto.Namespace, expected proto.CollectionVersion,
			mutation proto.Mutation) (proto.CollectionVersion, error)
		CreateMigration(ctx context.Context, rec *proto.MigrationRecord) error
		GetMigration(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error)
		ListMigrations(ctx context.Context) ([]proto.MigrationRecord, error)
		UpdateMigration(ctx context.Context, rec *proto.MigrationRecord, expected proto.MigrationState) error
	}

	// Participants sends migration commands to shards.
	Participants interface {
		Migrate(ctx context.Context, shard proto.ShardID, cmd *proto.MigrationCommand) (*proto.MigrationCommandResult, error)
	}
)

type Config struct {
	TaskPoolSize     int `json:"task_pool_size"`
	CatchUpMaxLag    int `json:"catch_up_max_lag"`
	CatchUpTimeoutMs int `json:"catch_up_timeout_ms"`
	// CatchUpStallRounds ends catching up early once that many rounds in a
	// row left more modifications pending than the best round so far.
	CatchUpStallRounds       int `json:"catch_up_stall_rounds"`
	CriticalSectionTimeoutMs int `json:"critical_section_timeout_ms"`
	CommandTimeoutMs         int `json:"command_timeout_ms"`
	RetryIntervalMs          int `json:"retry_interval_ms"`
	MaxStepRetries           int `json:"max_step_retries"`
	// RecoverIntervalS is how often records without a running task are
	// picked up again, negative disables the background scan.
	RecoverIntervalS int `json:"recover_interval_s"`
}

func initConfig(cfg *Config) {
	if cfg.TaskPoolSize <= 0 {
		cfg.TaskPoolSize = defaultTaskPoolSize
	}
	if cfg.CatchUpMaxLag <= 0 {
		cfg.CatchUpMaxLag = defaultCatchUpMaxLag
	}
	if cfg.CatchUpTimeoutMs <= 0 {
		cfg.CatchUpTimeoutMs = defaultCatchUpTimeoutMs
	}
	if cfg.CatchUpStallRounds <= 0 {
		cfg.CatchUpStallRounds = defaultCatchUpStallRounds
	}
	if cfg.CriticalSectionTimeoutMs <= 0 {
		cfg.CriticalSectionTimeoutMs = defaultCriticalSectionTimeoutMs
	}
	if cfg.CommandTimeoutMs <= 0 {
		cfg.CommandTimeoutMs = defaultCommandTimeoutMs
	}
	if cfg.RetryIntervalMs <= 0 {
		cfg.RetryIntervalMs = defaultRetryIntervalMs
	}
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = defaultMaxStepRetries
	}
	if cfg.RecoverIntervalS == 0 {
		cfg.RecoverIntervalS = defaultRecoverIntervalS
	}
}

// Coordinator drives chunk migrations through their persisted phases. The
// migration record is the only state it trusts: every phase is written
// before the shards are asked to act on it, so any coordinator can resume
// or abort a migration after a crash.
type Coordinator struct {
	store    Store
	shards   Participants
	cfg      Config
	taskPool taskpool.TaskPool

	running sync.Map // migration id -> struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCoordinator(cfg *Config, store Store, shards Participants) *Coordinator {
	initConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		shards:   shards,
		cfg:      *cfg,
		taskPool: taskpool.New(cfg.TaskPoolSize, cfg.TaskPoolSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RecoverIntervalS > 0 {
		c.wg.Add(1)
		go c.loop(time.Duration(cfg.RecoverIntervalS) * time.Second)
	}
	return c
}

// StartMigration records a new migration of exactly the chunk r from donor
// to recipient and schedules it. The returned id can be queried while the
// migration runs in the background.
func (c *Coordinator) StartMigration(ctx context.Context, ns proto.Namespace, r proto.KeyRange,
	donor, recipient proto.ShardID,
) (proto.MigrationID, error) {
	span := trace.SpanFromContextSafe(ctx)
	if !proto.ValidNamespace(ns) || r.IsEmpty() || donor == "" || recipient == "" {
		return "", apierrors.ErrInvalidArgument
	}
	if donor == recipient {
		return "", apierrors.ErrSameDonorAndRecipient
	}

	meta, err := c.store.GetCollection(ctx, ns)
	if err != nil {
		return "", err
	}
	table, err := routing.NewTable(meta)
	if err != nil {
		return "", err
	}
	chunk, ok := table.ExactChunk(r)
	if !ok {
		return "", apierrors.ErrChunkNotFound
	}
	if chunk.Shard != donor {
		return "", apierrors.NewConflict(ns, "chunk is not owned by the donor")
	}
	if err = c.checkRecipient(ctx, recipient); err != nil {
		return "", err
	}
	if err = c.checkInProgress(ctx, ns, r); err != nil {
		return "", err
	}

	rec := &proto.MigrationRecord{
		ID:              uuid.NewString(),
		Namespace:       ns,
		Range:           r,
		Donor:           donor,
		Recipient:       recipient,
		State:           proto.MigrationStateCloning,
		ExpectedVersion: table.Version(),
	}
	// claimed before it is visible to the recover scan
	c.running.Store(rec.ID, struct{}{})
	if err = c.store.CreateMigration(ctx, rec); err != nil {
		c.running.Delete(rec.ID)
		return "", err
	}
	span.Infof("migration %s started, ns: %s, range: %s, %s -> %s, version: %s",
		rec.ID, ns, r, donor, recipient, rec.ExpectedVersion)
	c.launch(rec.ID, false)
	return rec.ID, nil
}

func (c *Coordinator) QueryMigration(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error) {
	return c.store.GetMigration(ctx, id)
}

// Recover schedules every migration not in a terminal state and not running
// on this coordinator. Migrations found before Committing are aborted since
// the donor may have lost the writes it captured. Committing retries the
// commit and later states finish their remaining steps. It is safe to call
// repeatedly.
func (c *Coordinator) Recover(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	recs, err := c.store.ListMigrations(ctx)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].State.Terminal() {
			continue
		}
		if c.schedule(recs[i].ID, true) {
			span.Infof("migration %s recovered in state %s", recs[i].ID, recs[i].State)
		}
	}
	return nil
}

// Wait blocks until migration id stops running on this coordinator.
func (c *Coordinator) Wait(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := c.running.Load(id); !ok {
			return c.store.GetMigration(ctx, id)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the running migrations where they are, their records let a
// later Recover continue them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
	c.taskPool.Close()
}

func (c *Coordinator) checkRecipient(ctx context.Context, recipient proto.ShardID) error {
	shards, err := c.store.ListShards(ctx)
	if err != nil {
		return err
	}
	for _, info := range shards {
		if info.ID == recipient {
			return nil
		}
	}
	return apierrors.ErrShardDoesNotExist
}

func (c *Coordinator) checkInProgress(ctx context.Context, ns proto.Namespace, r proto.KeyRange) error {
	recs, err := c.store.ListMigrations(ctx)
	if err != nil {
		return err
	}
	for i := range recs {
		if !recs[i].State.Terminal() && recs[i].Namespace == ns && recs[i].Range.Overlaps(r) {
			return apierrors.ErrMigrationInProgress
		}
	}
	return nil
}

// schedule runs migration id on the task pool unless it is running already.
func (c *Coordinator) schedule(id proto.MigrationID, recovered bool) bool {
	if _, loaded := c.running.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	c.launch(id, recovered)
	return true
}

// launch queues a claimed migration, waiting for a free worker when the
// pool is full.
func (c *Coordinator) launch(id proto.MigrationID, recovered bool) {
	c.wg.Add(1)
	task := func() {
		defer func() {
			c.running.Delete(id)
			c.wg.Done()
		}()
		span, ctx := trace.StartSpanFromContextWithTraceID(c.ctx, "", "migration-"+id)
		c.run(ctx, id, recovered)
		span.Debugf("migration %s task exit", id)
	}
	if !c.taskPool.TryRun(task) {
		go c.taskPool.Run(task)
	}
}

func (c *Coordinator) loop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(c.ctx, "")
			if err := c.Recover(ctx); err != nil {
				span.Warnf("recover migrations failed: %s", errors.Detail(err))
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context) bool {
	t := time.NewTimer(time.Duration(c.cfg.RetryIntervalMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// run re-reads the record before every phase and advances it until a
// terminal state or until the coordinator closes.
func (c *Coordinator) run(ctx context.Context, id proto.MigrationID, recovered bool) {
	span := trace.SpanFromContextSafe(ctx)
	retries := 0
	for {
		rec, err := c.store.GetMigration(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			span.Warnf("read migration %s failed: %s", id, errors.Detail(err))
			if !c.sleep(ctx) {
				return
			}
			continue
		}
		if rec.State.Terminal() {
			metrics.Migrations.WithLabelValues(rec.State.String()).Inc()
			span.Infof("migration %s finished in state %s %s", id, rec.State, rec.Reason)
			return
		}
		if recovered && rec.State.BeforeCommit() {
			recovered = false
			if err = c.transition(ctx, rec, proto.MigrationStateAborting, "coordinator restarted before commit"); err != nil {
				span.Warnf("abort recovered migration %s failed: %s", id, errors.Detail(err))
				if !c.sleep(ctx) {
					return
				}
			}
			continue
		}
		recovered = false

		err = c.step(ctx, rec)
		if err == nil {
			retries = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		span.Warnf("migration %s step %s failed: %s", id, rec.State, errors.Detail(err))
		retries++
		if rec.State.BeforeCommit() && !isTransient(err, retries, c.cfg.MaxStepRetries) {
			retries = 0
			if err = c.transition(ctx, rec, proto.MigrationStateAborting, err.Error()); err != nil {
				span.Warnf("abort migration %s failed: %s", id, errors.Detail(err))
			}
		}
		if !c.sleep(ctx) {
			return
		}
	}
}

// isTransient reports errors worth retrying in place: an unavailable
// authority never aborts, unreachable shards do after max retries.
func isTransient(err error, retries, limit int) bool {
	if apierrors.IsAuthorityUnavailable(err) {
		return true
	}
	return apierrors.IsTransportFailure(err) && retries < limit
}

func (c *Coordinator) step(ctx context.Context, rec *proto.MigrationRecord) error {
	switch rec.State {
	case proto.MigrationStateCloning:
		return c.cloning(ctx, rec)
	case proto.MigrationStateCatchingUp:
		return c.catchingUp(ctx, rec)
	case proto.MigrationStateBlocking:
		return c.blocking(ctx, rec)
	case proto.MigrationStateCommitting:
		return c.committing(ctx, rec)
	case proto.MigrationStateCommitted:
		return c.committed(ctx, rec)
	case proto.MigrationStateAborting:
		return c.aborting(ctx, rec)
	}
	return errors.Info(apierrors.ErrInvalidArgument, "unknown migration state", rec.State)
}

// transition persists the next state, a lost race leaves the record to
// whoever won it.
func (c *Coordinator) transition(ctx context.Context, rec *proto.MigrationRecord, to proto.MigrationState, reason string) error {
	from := rec.State
	next := *rec
	next.State = to
	if reason != "" {
		next.Reason = reason
	}
	if err := c.store.UpdateMigration(ctx, &next, from); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("migration %s: %s -> %s", rec.ID, from, to)
	*rec = next
	return nil
}

func (c *Coordinator) migrate(ctx context.Context, shard proto.ShardID, typ proto.MigrationCommandType,
	rec *proto.MigrationRecord, maxLag int,
) (*proto.MigrationCommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.CommandTimeoutMs)*time.Millisecond)
	defer cancel()
	return c.shards.Migrate(ctx, shard, &proto.MigrationCommand{Type: typ, Record: *rec, MaxLag: maxLag})
}

func (c *Coordinator) cloning(ctx context.Context, rec *proto.MigrationRecord) error {
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdStartDonate, rec, 0); err != nil {
		return err
	}
	for {
		ret, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdClone, rec, 0)
		if err != nil {
			return err
		}
		if ret.Done {
			trace.SpanFromContextSafe(ctx).Infof("migration %s cloned %d docs", rec.ID, ret.Cloned)
			break
		}
		if ret.Cloned == 0 && !c.sleep(ctx) {
			return ctx.Err()
		}
	}
	return c.transition(ctx, rec, proto.MigrationStateCatchingUp, "")
}

func (c *Coordinator) catchingUp(ctx context.Context, rec *proto.MigrationRecord) error {
	deadline := time.Now().Add(time.Duration(c.cfg.CatchUpTimeoutMs) * time.Millisecond)
	lowest, stalled := -1, 0
	for {
		ret, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdCatchUp, rec, c.cfg.CatchUpMaxLag)
		if err != nil {
			return err
		}
		if ret.Done {
			break
		}
		if lowest < 0 || ret.Pending < lowest {
			lowest, stalled = ret.Pending, 0
		} else {
			stalled++
		}
		if stalled >= c.cfg.CatchUpStallRounds {
			trace.SpanFromContextSafe(ctx).Warnf("migration %s stalled with %d modifications pending", rec.ID, ret.Pending)
			return apierrors.ErrCatchUpStalled
		}
		if time.Now().After(deadline) {
			return apierrors.ErrCatchUpTimeout
		}
	}
	return c.transition(ctx, rec, proto.MigrationStateBlocking, "")
}

// blocking holds the donor's critical section while the recipient applies
// the last modifications. The whole phase is bounded so writes to the
// range are never blocked for long.
func (c *Coordinator) blocking(ctx context.Context, rec *proto.MigrationRecord) error {
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdEnterCriticalSection, rec, 0); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Duration(c.cfg.CriticalSectionTimeoutMs) * time.Millisecond)
	for {
		ret, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdCatchUp, rec, 0)
		if err != nil {
			return err
		}
		if ret.Done {
			break
		}
		if time.Now().After(deadline) {
			return apierrors.ErrCriticalSectionTimeout
		}
	}
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdBlockReads, rec, 0); err != nil {
		return err
	}
	return c.transition(ctx, rec, proto.MigrationStateCommitting, "")
}

// committing moves the chunk in the metadata store. The move marks the
// record committed in the same write, so a record still in Committing has
// not been committed and the write may be retried.
func (c *Coordinator) committing(ctx context.Context, rec *proto.MigrationRecord) error {
	span := trace.SpanFromContextSafe(ctx)
	version, err := c.store.ConditionalWrite(ctx, rec.Namespace, rec.ExpectedVersion, proto.Mutation{
		Type:        proto.MutationMoveChunk,
		Range:       rec.Range,
		From:        rec.Donor,
		To:          rec.Recipient,
		MigrationID: rec.ID,
	})
	if err == nil {
		span.Infof("migration %s committed at %s", rec.ID, version)
		return nil
	}
	if !apierrors.IsConflict(err) {
		return err
	}

	stored, gerr := c.store.GetMigration(ctx, rec.ID)
	if gerr != nil {
		return gerr
	}
	if stored.State != proto.MigrationStateCommitting {
		return nil
	}
	span.Warnf("migration %s commit rejected: %s", rec.ID, errors.Detail(err))
	return c.transition(ctx, rec, proto.MigrationStateAborting, err.Error())
}

func (c *Coordinator) committed(ctx context.Context, rec *proto.MigrationRecord) error {
	if _, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdRefresh, rec, 0); err != nil {
		return err
	}
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdExitCriticalSection, rec, 0); err != nil {
		return err
	}
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdCleanupDonor, rec, 0); err != nil {
		return err
	}
	if _, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdForget, rec, 0); err != nil {
		return err
	}
	return c.transition(ctx, rec, proto.MigrationStateDone, "")
}

// aborting discards the recipient's copy and resumes the donor. Each step
// is idempotent so a crash anywhere here is resumed by rerunning it.
func (c *Coordinator) aborting(ctx context.Context, rec *proto.MigrationRecord) error {
	if _, err := c.migrate(ctx, rec.Recipient, proto.MigrationCmdAbortRecipient, rec, 0); err != nil {
		return err
	}
	if _, err := c.migrate(ctx, rec.Donor, proto.MigrationCmdExitCriticalSection, rec, 0); err != nil {
		return err
	}
	for _, shard := range []proto.ShardID{rec.Donor, rec.Recipient} {
		if _, err := c.migrate(ctx, shard, proto.MigrationCmdForget, rec, 0); err != nil {
			return err
		}
	}
	return c.transition(ctx, rec, proto.MigrationStateAborted, "")
}
