package catalog

import "sync/atomic"

// Leadership tells whether this master may currently persist metadata.
// Replication and election live outside the catalog.
type Leadership interface {
	IsWritable() bool
}

type StaticLeadership struct {
	writable atomic.Bool
}

func NewStaticLeadership(writable bool) *StaticLeadership {
	l := &StaticLeadership{}
	l.writable.Store(writable)
	return l
}

func (l *StaticLeadership) IsWritable() bool {
	return l.writable.Load()
}

func (l *StaticLeadership) SetWritable(writable bool) {
	l.writable.Store(writable)
}
