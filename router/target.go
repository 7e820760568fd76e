package router

import (
	"bytes"
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/router/catalog"
)

// target is the part of an operation sent to one shard.
type target struct {
	shard proto.ShardID
	req   *proto.ShardRequest
}

// targets splits op along the chunk boundaries of info and groups the pieces
// per owning shard, in key order of each shard's first piece.
func targets(op *proto.Operation, info catalog.RoutingInfo) []target {
	r := op.TargetRange()
	if !info.IsSharded() {
		return []target{{
			shard: info.Database.Primary,
			req: &proto.ShardRequest{
				Operation: *op,
				Ranges:    []proto.KeyRange{r},
				Version:   proto.UnshardedVersion,
				DbVersion: info.Database.Version,
			},
		}}
	}

	version := info.Table.Version()
	if op.Type != proto.OpScan {
		chunk := info.Table.FindChunk(op.Key)
		return []target{{
			shard: chunk.Shard,
			req: &proto.ShardRequest{
				Operation: *op,
				Ranges:    []proto.KeyRange{r},
				Version:   version,
			},
		}}
	}

	var ret []target
	index := make(map[proto.ShardID]int)
	for _, part := range info.Table.Intersect(r) {
		idx, ok := index[part.Shard]
		if !ok {
			idx = len(ret)
			index[part.Shard] = idx
			ret = append(ret, target{
				shard: part.Shard,
				req:   &proto.ShardRequest{Operation: *op, Version: version},
			})
		}
		ret[idx].req.Ranges = append(ret[idx].req.Ranges, part.Range)
	}
	return ret
}

// fanOut sends every target concurrently. The first failure cancels the
// others and is returned.
func fanOut(ctx context.Context, transport ShardTransport, ts []target) ([]*proto.ShardResponse, error) {
	resps := make([]*proto.ShardResponse, len(ts))
	if len(ts) == 1 {
		resp, err := transport.Execute(ctx, ts[0].shard, ts[0].req)
		resps[0] = resp
		return resps, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range ts {
		i := i
		g.Go(func() error {
			resp, err := transport.Execute(gctx, ts[i].shard, ts[i].req)
			resps[i] = resp
			return err
		})
	}
	return resps, g.Wait()
}

// merge orders partial results by range, never by arrival.
func merge(op *proto.Operation, resps []*proto.ShardResponse) *proto.Result {
	ret := &proto.Result{}
	var parts []proto.RangeResult
	for _, resp := range resps {
		if resp == nil {
			continue
		}
		ret.Found = ret.Found || resp.Found
		parts = append(parts, resp.Results...)
	}
	sort.Slice(parts, func(i, j int) bool {
		return bytes.Compare(parts[i].Range.Min, parts[j].Range.Min) < 0
	})
	for i := range parts {
		ret.Docs = append(ret.Docs, parts[i].Docs...)
	}
	if op.Type == proto.OpScan && op.Limit > 0 && len(ret.Docs) > op.Limit {
		ret.Docs = ret.Docs[:op.Limit]
	}
	return ret
}
