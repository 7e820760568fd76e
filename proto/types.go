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

package proto

import (
	"bytes"
	"fmt"
)

// Key is a shard key value. Keys compare bytewise.
type Key []byte

// KeyRange is the half open interval [Min, Max). An empty Min stands for
// MinKey and an empty Max stands for MaxKey.
type KeyRange struct {
	Min Key `json:"min,omitempty"`
	Max Key `json:"max,omitempty"`
}

// FullRange covers [MinKey, MaxKey).
func FullRange() KeyRange {
	return KeyRange{}
}

// PointRange is the smallest range holding k.
func PointRange(k Key) KeyRange {
	max := make(Key, len(k)+1)
	copy(max, k)
	return KeyRange{Min: k, Max: max}
}

// CompareMax compares two upper bounds where an empty bound is MaxKey.
func CompareMax(a, b Key) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return 1
	case len(b) == 0:
		return -1
	}
	return bytes.Compare(a, b)
}

func (r KeyRange) Unbounded() bool {
	return len(r.Max) == 0
}

func (r KeyRange) IsEmpty() bool {
	return !r.Unbounded() && bytes.Compare(r.Min, r.Max) >= 0
}

func (r KeyRange) Contains(k Key) bool {
	if bytes.Compare(k, r.Min) < 0 {
		return false
	}
	return r.Unbounded() || bytes.Compare(k, r.Max) < 0
}

func (r KeyRange) Equal(o KeyRange) bool {
	return bytes.Equal(r.Min, o.Min) && CompareMax(r.Max, o.Max) == 0
}

func (r KeyRange) Overlaps(o KeyRange) bool {
	_, ok := r.Intersect(o)
	return ok
}

// Intersect returns the common part of r and o.
func (r KeyRange) Intersect(o KeyRange) (KeyRange, bool) {
	ret := KeyRange{Min: r.Min, Max: r.Max}
	if bytes.Compare(o.Min, ret.Min) > 0 {
		ret.Min = o.Min
	}
	if CompareMax(o.Max, ret.Max) < 0 {
		ret.Max = o.Max
	}
	if ret.IsEmpty() {
		return KeyRange{}, false
	}
	return ret, true
}

func (r KeyRange) String() string {
	min, max := "MinKey", "MaxKey"
	if len(r.Min) > 0 {
		min = fmt.Sprintf("%q", []byte(r.Min))
	}
	if len(r.Max) > 0 {
		max = fmt.Sprintf("%q", []byte(r.Max))
	}
	return "[" + min + ", " + max + ")"
}

// CollectionVersion orders placement metadata of one collection incarnation.
// Versions with different epochs are not comparable.
type CollectionVersion struct {
	Epoch string `json:"epoch"`
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
}

// UnshardedVersion is attached to requests for collections routed through
// their database primary.
var UnshardedVersion = CollectionVersion{}

func (v CollectionVersion) IsUnsharded() bool {
	return v.Epoch == ""
}

func (v CollectionVersion) SameEpoch(o CollectionVersion) bool {
	return v.Epoch == o.Epoch
}

// Compare returns -1, 0 or 1 and false when the epochs differ.
func (v CollectionVersion) Compare(o CollectionVersion) (int, bool) {
	if !v.SameEpoch(o) {
		return 0, false
	}
	switch {
	case v.Major < o.Major:
		return -1, true
	case v.Major > o.Major:
		return 1, true
	case v.Minor < o.Minor:
		return -1, true
	case v.Minor > o.Minor:
		return 1, true
	}
	return 0, true
}

func (v CollectionVersion) Equal(o CollectionVersion) bool {
	c, ok := v.Compare(o)
	return ok && c == 0
}

// AtLeast reports whether v is in the same epoch as o and not older.
func (v CollectionVersion) AtLeast(o CollectionVersion) bool {
	c, ok := v.Compare(o)
	return ok && c >= 0
}

func (v CollectionVersion) IncMajor() CollectionVersion {
	return CollectionVersion{Epoch: v.Epoch, Major: v.Major + 1}
}

func (v CollectionVersion) IncMinor() CollectionVersion {
	return CollectionVersion{Epoch: v.Epoch, Major: v.Major, Minor: v.Minor + 1}
}

func (v CollectionVersion) String() string {
	if v.IsUnsharded() {
		return "UNSHARDED"
	}
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch)
}

type Chunk struct {
	Range   KeyRange          `json:"range"`
	Shard   ShardID           `json:"shard"`
	Version CollectionVersion `json:"version"`
}

// CollectionMeta is the durable partitioning document of a sharded collection.
type CollectionMeta struct {
	Namespace Namespace `json:"namespace"`
	Epoch     string    `json:"epoch"`
	Chunks    []Chunk   `json:"chunks"`
	CreatedAt int64     `json:"created_at"`
}

// Version is the highest chunk version of the collection.
func (m *CollectionMeta) Version() CollectionVersion {
	ret := CollectionVersion{Epoch: m.Epoch}
	for i := range m.Chunks {
		if c, _ := m.Chunks[i].Version.Compare(ret); c > 0 {
			ret = m.Chunks[i].Version
		}
	}
	return ret
}

type DatabaseVersion struct {
	UUID    string `json:"uuid"`
	LastMod uint64 `json:"last_mod"`
}

func (v DatabaseVersion) IsZero() bool {
	return v.UUID == ""
}

func (v DatabaseVersion) Equal(o DatabaseVersion) bool {
	return v.UUID == o.UUID && v.LastMod == o.LastMod
}

func (v DatabaseVersion) String() string {
	return fmt.Sprintf("%s|%d", v.UUID, v.LastMod)
}

type DatabaseEntry struct {
	Name    string          `json:"name"`
	Primary ShardID         `json:"primary"`
	Version DatabaseVersion `json:"version"`
}
