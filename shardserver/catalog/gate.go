package catalog

import (
	"context"
	"sync"

	"github.com/cubefs/shardroute/proto"
)

type (
	// criticalSection blocks new writes to r, and reads as well once the
	// commit is under way.
	criticalSection struct {
		id         proto.MigrationID
		r          proto.KeyRange
		blockReads bool
		exited     chan struct{}
	}
	inflightOp struct {
		ranges []proto.KeyRange
		write  bool
	}
)

// rangeGate tracks the operations running against one collection and the
// critical sections holding parts of it.
type rangeGate struct {
	mu       sync.Mutex
	sections map[proto.MigrationID]*criticalSection
	ops      map[uint64]*inflightOp
	nextID   uint64
	// released is closed and replaced whenever an operation leaves
	released chan struct{}
}

func newRangeGate() *rangeGate {
	return &rangeGate{
		sections: make(map[proto.MigrationID]*criticalSection),
		ops:      make(map[uint64]*inflightOp),
		released: make(chan struct{}),
	}
}

// enter registers an operation on ranges, waiting while a critical section
// blocks it. The returned func must be called once the operation is done.
func (g *rangeGate) enter(ctx context.Context, ranges []proto.KeyRange, write bool) (func(), error) {
	for {
		g.mu.Lock()
		if cs := g.blockingSection(ranges, write); cs != nil {
			exited := cs.exited
			g.mu.Unlock()
			select {
			case <-exited:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		id := g.nextID
		g.nextID++
		g.ops[id] = &inflightOp{ranges: ranges, write: write}
		g.mu.Unlock()

		return func() {
			g.mu.Lock()
			delete(g.ops, id)
			close(g.released)
			g.released = make(chan struct{})
			g.mu.Unlock()
		}, nil
	}
}

func (g *rangeGate) blockingSection(ranges []proto.KeyRange, write bool) *criticalSection {
	for _, cs := range g.sections {
		if !write && !cs.blockReads {
			continue
		}
		for _, r := range ranges {
			if cs.r.Overlaps(r) {
				return cs
			}
		}
	}
	return nil
}

// enterSection starts blocking writes to r. Entering twice is a no-op.
func (g *rangeGate) enterSection(id proto.MigrationID, r proto.KeyRange, blockReads bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cs, ok := g.sections[id]; ok {
		cs.blockReads = cs.blockReads || blockReads
		return
	}
	g.sections[id] = &criticalSection{id: id, r: r, blockReads: blockReads, exited: make(chan struct{})}
}

func (g *rangeGate) blockReads(id proto.MigrationID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.sections[id]
	if ok {
		cs.blockReads = true
	}
	return ok
}

func (g *rangeGate) exitSection(id proto.MigrationID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.sections[id]
	if !ok {
		return false
	}
	delete(g.sections, id)
	close(cs.exited)
	return true
}

func (g *rangeGate) inSection(id proto.MigrationID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sections[id]
	return ok
}

// drain waits until no write overlapping r is running, and no read either
// when reads is set. ctx bounds the wait.
func (g *rangeGate) drain(ctx context.Context, r proto.KeyRange, reads bool) error {
	for {
		g.mu.Lock()
		busy := false
		for _, op := range g.ops {
			if !op.write && !reads {
				continue
			}
			for _, or := range op.ranges {
				if or.Overlaps(r) {
					busy = true
					break
				}
			}
			if busy {
				break
			}
		}
		released := g.released
		g.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
