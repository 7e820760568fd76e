package catalog

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/shardroute/common/routing"
	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

// ConditionalWrite applies mutation only if the collection is still at
// expected, otherwise it fails with a conflict and nothing is written.
func (c *catalog) ConditionalWrite(ctx context.Context, ns proto.Namespace, expected proto.CollectionVersion,
	mutation proto.Mutation,
) (proto.CollectionVersion, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := c.checkWritable(); err != nil {
		return proto.CollectionVersion{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	meta := &proto.CollectionMeta{}
	collVersion, err := c.get(ctx, collectionKey(ns), meta, apierrors.ErrCollectionDoesNotExist)
	if err != nil {
		return proto.CollectionVersion{}, err
	}
	current := meta.Version()
	if !current.Equal(expected) {
		span.Warnf("conditional write on %s rejected, current version: %s, expected: %s", ns, current, expected)
		return proto.CollectionVersion{}, apierrors.NewConflict(ns,
			fmt.Sprintf("collection version is %s, expected %s", current, expected))
	}
	if mutation.Type == proto.MutationMoveChunk {
		if err = c.checkShard(ctx, mutation.To); err != nil {
			return proto.CollectionVersion{}, err
		}
	}

	chunks, newVersion, err := applyMutation(meta, mutation)
	if err != nil {
		return proto.CollectionVersion{}, err
	}
	meta.Chunks = chunks
	collOp, err := putOp(collectionKey(ns), meta, collVersion)
	if err != nil {
		return proto.CollectionVersion{}, err
	}
	ops := []Op{collOp}

	if mutation.MigrationID != "" {
		if mutation.Type != proto.MutationMoveChunk {
			return proto.CollectionVersion{}, apierrors.ErrInvalidArgument
		}
		rec := &proto.MigrationRecord{}
		recVersion, err := c.get(ctx, migrationKey(mutation.MigrationID), rec, apierrors.ErrMigrationNotFound)
		if err != nil {
			return proto.CollectionVersion{}, err
		}
		if rec.State != proto.MigrationStateCommitting || rec.Namespace != ns || !rec.Range.Equal(mutation.Range) ||
			rec.Donor != mutation.From || rec.Recipient != mutation.To {
			return proto.CollectionVersion{}, apierrors.NewConflict(ns,
				fmt.Sprintf("migration %s in state %s does not match the move", rec.ID, rec.State))
		}
		rec.State = proto.MigrationStateCommitted
		rec.CommittedVersion = newVersion
		rec.UpdatedAt = time.Now().UnixMilli()
		recOp, err := putOp(migrationKey(rec.ID), rec, recVersion)
		if err != nil {
			return proto.CollectionVersion{}, err
		}
		ops = append(ops, recOp)
	}

	if err = c.commit(ctx, ops...); err != nil {
		return proto.CollectionVersion{}, err
	}
	span.Infof("conditional write on %s applied, mutation: %d, range: %s, version: %s -> %s",
		ns, mutation.Type, mutation.Range, expected, newVersion)
	return newVersion, nil
}

// applyMutation returns the new sorted chunk layout and collection version.
// The layout is validated before it is returned.
func applyMutation(meta *proto.CollectionMeta, mutation proto.Mutation) ([]proto.Chunk, proto.CollectionVersion, error) {
	table, err := routing.NewTable(meta)
	if err != nil {
		return nil, proto.CollectionVersion{}, err
	}
	chunks := table.Chunks()
	current := table.Version()

	var (
		ret        []proto.Chunk
		newVersion proto.CollectionVersion
	)
	switch mutation.Type {
	case proto.MutationMoveChunk:
		idx := exactChunkIndex(chunks, mutation.Range)
		if idx < 0 || chunks[idx].Shard != mutation.From {
			return nil, proto.CollectionVersion{}, apierrors.ErrChunkNotFound
		}
		if mutation.To == "" || mutation.To == mutation.From {
			return nil, proto.CollectionVersion{}, apierrors.ErrSameDonorAndRecipient
		}
		newVersion = current.IncMajor()
		ret = chunks
		ret[idx].Shard = mutation.To
		ret[idx].Version = newVersion

	case proto.MutationSplitChunk:
		idx := exactChunkIndex(chunks, mutation.Range)
		if idx < 0 {
			return nil, proto.CollectionVersion{}, apierrors.ErrChunkNotFound
		}
		if err = checkSplitPoints(mutation.Range, mutation.SplitPoints); err != nil {
			return nil, proto.CollectionVersion{}, err
		}
		pieces := make([]proto.Chunk, 0, len(mutation.SplitPoints)+1)
		newVersion = current
		lower := mutation.Range.Min
		for _, upper := range append(append([]proto.Key{}, mutation.SplitPoints...), mutation.Range.Max) {
			newVersion = newVersion.IncMinor()
			pieces = append(pieces, proto.Chunk{
				Range:   proto.KeyRange{Min: lower, Max: upper},
				Shard:   chunks[idx].Shard,
				Version: newVersion,
			})
			lower = upper
		}
		ret = append(ret, chunks[:idx]...)
		ret = append(ret, pieces...)
		ret = append(ret, chunks[idx+1:]...)

	case proto.MutationMergeChunks:
		first, last := -1, -1
		for i := range chunks {
			if bytes.Equal(chunks[i].Range.Min, mutation.Range.Min) {
				first = i
			}
			if proto.CompareMax(chunks[i].Range.Max, mutation.Range.Max) == 0 {
				last = i
			}
		}
		if first < 0 || last <= first {
			return nil, proto.CollectionVersion{}, apierrors.ErrInvalidChunkRange
		}
		for i := first; i <= last; i++ {
			if chunks[i].Shard != chunks[first].Shard {
				return nil, proto.CollectionVersion{}, apierrors.ErrInvalidChunkRange
			}
		}
		newVersion = current.IncMinor()
		merged := proto.Chunk{Range: mutation.Range, Shard: chunks[first].Shard, Version: newVersion}
		ret = append(ret, chunks[:first]...)
		ret = append(ret, merged)
		ret = append(ret, chunks[last+1:]...)

	default:
		return nil, proto.CollectionVersion{}, apierrors.ErrUnknownMutationType
	}

	if err = routing.ValidateChunks(meta.Epoch, ret); err != nil {
		return nil, proto.CollectionVersion{}, err
	}
	return ret, newVersion, nil
}

func exactChunkIndex(chunks []proto.Chunk, r proto.KeyRange) int {
	for i := range chunks {
		if chunks[i].Range.Equal(r) {
			return i
		}
	}
	return -1
}

func checkSplitPoints(r proto.KeyRange, points []proto.Key) error {
	if len(points) == 0 {
		return apierrors.ErrInvalidSplitPoint
	}
	prev := r.Min
	for _, p := range points {
		if len(p) == 0 || bytes.Compare(p, prev) <= 0 || !r.Contains(p) {
			return apierrors.ErrInvalidSplitPoint
		}
		prev = p
	}
	return nil
}
