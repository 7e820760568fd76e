package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

func (c *catalog) CreateMigration(ctx context.Context, rec *proto.MigrationRecord) error {
	if rec.ID == "" || !proto.ValidNamespace(rec.Namespace) {
		return apierrors.ErrInvalidArgument
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	rec.CreatedAt, rec.UpdatedAt = now, now
	op, err := putOp(migrationKey(rec.ID), rec, VersionNotExist)
	if err != nil {
		return err
	}
	if err = c.commit(ctx, op); err != nil {
		if apierrors.IsConflict(err) {
			return apierrors.ErrMigrationAlreadyExist
		}
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("migration %s recorded, ns: %s, range: %s, %s -> %s",
		rec.ID, rec.Namespace, rec.Range, rec.Donor, rec.Recipient)
	return nil
}

func (c *catalog) GetMigration(ctx context.Context, id proto.MigrationID) (*proto.MigrationRecord, error) {
	rec := &proto.MigrationRecord{}
	if _, err := c.get(ctx, migrationKey(id), rec, apierrors.ErrMigrationNotFound); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListMigrations returns all records ordered by creation time.
func (c *catalog) ListMigrations(ctx context.Context) ([]proto.MigrationRecord, error) {
	items, err := c.list(ctx, migrationKeyPrefix)
	if err != nil {
		return nil, err
	}
	ret := make([]proto.MigrationRecord, len(items))
	for i := range items {
		if err := json.Unmarshal(items[i].Value, &ret[i]); err != nil {
			return nil, errors.Info(err, "decode migration", trimKeyPrefix(items[i].Key, migrationKeyPrefix))
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].CreatedAt != ret[j].CreatedAt {
			return ret[i].CreatedAt < ret[j].CreatedAt
		}
		return ret[i].ID < ret[j].ID
	})
	return ret, nil
}

// UpdateMigration persists rec if the stored record is still in state
// expected. A coordinator losing this race must stop driving the migration.
func (c *catalog) UpdateMigration(ctx context.Context, rec *proto.MigrationRecord, expected proto.MigrationState) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	stored := &proto.MigrationRecord{}
	version, err := c.get(ctx, migrationKey(rec.ID), stored, apierrors.ErrMigrationNotFound)
	if err != nil {
		return err
	}
	if stored.State != expected {
		return apierrors.NewConflict(rec.Namespace,
			fmt.Sprintf("migration %s is %s, expected %s", rec.ID, stored.State, expected))
	}
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = time.Now().UnixMilli()
	op, err := putOp(migrationKey(rec.ID), rec, version)
	if err != nil {
		return err
	}
	if err = c.commit(ctx, op); err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Debugf("migration %s: %s -> %s", rec.ID, expected, rec.State)
	return nil
}
