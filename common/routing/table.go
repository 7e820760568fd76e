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

package routing

import (
	"bytes"
	"sort"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

// Table is an immutable snapshot of a collection's chunk layout. A refresh
// builds a new Table; published tables are never modified, so a *Table may be
// shared between goroutines without copying.
type Table struct {
	ns      proto.Namespace
	epoch   string
	chunks  []proto.Chunk
	version proto.CollectionVersion
}

// NewTable validates meta and builds a table from a copy of its chunks.
func NewTable(meta *proto.CollectionMeta) (*Table, error) {
	chunks := make([]proto.Chunk, len(meta.Chunks))
	copy(chunks, meta.Chunks)
	sort.Slice(chunks, func(i, j int) bool {
		return bytes.Compare(chunks[i].Range.Min, chunks[j].Range.Min) < 0
	})
	if err := ValidateChunks(meta.Epoch, chunks); err != nil {
		return nil, err
	}

	t := &Table{
		ns:      meta.Namespace,
		epoch:   meta.Epoch,
		chunks:  chunks,
		version: proto.CollectionVersion{Epoch: meta.Epoch},
	}
	for i := range chunks {
		if c, _ := chunks[i].Version.Compare(t.version); c > 0 {
			t.version = chunks[i].Version
		}
	}
	return t, nil
}

// ValidateChunks checks that sorted chunks partition [MinKey, MaxKey) without
// gaps or overlaps and all belong to epoch.
func ValidateChunks(epoch string, chunks []proto.Chunk) error {
	if len(chunks) == 0 || epoch == "" {
		return apierrors.ErrChunkLayoutBroken
	}
	if len(chunks[0].Range.Min) != 0 || !chunks[len(chunks)-1].Range.Unbounded() {
		return apierrors.ErrChunkLayoutBroken
	}
	for i := range chunks {
		c := &chunks[i]
		if c.Range.IsEmpty() || c.Shard == "" || c.Version.Epoch != epoch {
			return apierrors.ErrChunkLayoutBroken
		}
		if i == 0 {
			continue
		}
		prev := &chunks[i-1]
		if prev.Range.Unbounded() || !bytes.Equal(prev.Range.Max, c.Range.Min) {
			return apierrors.ErrChunkLayoutBroken
		}
	}
	return nil
}

func (t *Table) Namespace() proto.Namespace { return t.ns }

func (t *Table) Epoch() string { return t.epoch }

// Version is the collection version, the highest chunk version.
func (t *Table) Version() proto.CollectionVersion { return t.version }

func (t *Table) NumChunks() int { return len(t.chunks) }

// Chunks returns a copy of the chunks in key order.
func (t *Table) Chunks() []proto.Chunk {
	ret := make([]proto.Chunk, len(t.chunks))
	copy(ret, t.chunks)
	return ret
}

// Meta converts the table back to its durable form.
func (t *Table) Meta() *proto.CollectionMeta {
	return &proto.CollectionMeta{Namespace: t.ns, Epoch: t.epoch, Chunks: t.Chunks()}
}

// Shards returns the ids of all shards owning at least one chunk.
func (t *Table) Shards() []proto.ShardID {
	seen := make(map[proto.ShardID]struct{})
	var ret []proto.ShardID
	for i := range t.chunks {
		if _, ok := seen[t.chunks[i].Shard]; !ok {
			seen[t.chunks[i].Shard] = struct{}{}
			ret = append(ret, t.chunks[i].Shard)
		}
	}
	sort.Strings(ret)
	return ret
}

// FindChunk returns the chunk containing key.
func (t *Table) FindChunk(key proto.Key) proto.Chunk {
	// first chunk whose Min is greater than key, the owner is the one before
	idx := sort.Search(len(t.chunks), func(i int) bool {
		return bytes.Compare(t.chunks[i].Range.Min, key) > 0
	})
	return t.chunks[idx-1]
}

// Intersect returns the parts of r split along chunk boundaries, in key order.
func (t *Table) Intersect(r proto.KeyRange) []proto.Chunk {
	if r.IsEmpty() {
		return nil
	}
	start := sort.Search(len(t.chunks), func(i int) bool {
		return bytes.Compare(t.chunks[i].Range.Min, r.Min) > 0
	}) - 1
	var ret []proto.Chunk
	for i := start; i < len(t.chunks); i++ {
		part, ok := t.chunks[i].Range.Intersect(r)
		if !ok {
			break
		}
		c := t.chunks[i]
		c.Range = part
		ret = append(ret, c)
	}
	return ret
}

// OwnsRange reports whether every key of r belongs to a chunk of shard.
func (t *Table) OwnsRange(shard proto.ShardID, r proto.KeyRange) bool {
	parts := t.Intersect(r)
	if len(parts) == 0 {
		return false
	}
	for i := range parts {
		if parts[i].Shard != shard {
			return false
		}
	}
	return true
}

// ExactChunk returns the chunk whose bounds equal r.
func (t *Table) ExactChunk(r proto.KeyRange) (proto.Chunk, bool) {
	idx := sort.Search(len(t.chunks), func(i int) bool {
		return bytes.Compare(t.chunks[i].Range.Min, r.Min) >= 0
	})
	if idx < len(t.chunks) && t.chunks[idx].Range.Equal(r) {
		return t.chunks[idx], true
	}
	return proto.Chunk{}, false
}
