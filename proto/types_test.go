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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionVersionCompare(t *testing.T) {
	v1 := CollectionVersion{Epoch: "e", Major: 1}
	v11 := CollectionVersion{Epoch: "e", Major: 1, Minor: 1}
	v2 := v1.IncMajor()
	other := CollectionVersion{Epoch: "x", Major: 9}

	c, ok := v1.Compare(v11)
	require.True(t, ok)
	require.Equal(t, -1, c)
	c, ok = v2.Compare(v11)
	require.True(t, ok)
	require.Equal(t, 1, c)
	require.Equal(t, uint64(0), v2.Minor)

	_, ok = v1.Compare(other)
	require.False(t, ok)
	require.False(t, other.AtLeast(v1))
	require.True(t, v11.AtLeast(v1))
	require.True(t, v1.Equal(CollectionVersion{Epoch: "e", Major: 1}))
	require.Equal(t, v11, v1.IncMinor())
	require.True(t, UnshardedVersion.IsUnsharded())
}

func TestKeyRange(t *testing.T) {
	full := FullRange()
	require.True(t, full.Contains(nil))
	require.True(t, full.Contains(Key("zzz")))
	require.False(t, full.IsEmpty())

	r := KeyRange{Min: Key("b"), Max: Key("d")}
	require.True(t, r.Contains(Key("b")))
	require.True(t, r.Contains(Key("c")))
	require.False(t, r.Contains(Key("d")))

	in, ok := r.Intersect(KeyRange{Min: Key("c")})
	require.True(t, ok)
	require.Equal(t, KeyRange{Min: Key("c"), Max: Key("d")}, in)

	_, ok = r.Intersect(KeyRange{Min: Key("d"), Max: Key("f")})
	require.False(t, ok)
	require.True(t, (KeyRange{Min: Key("x"), Max: Key("a")}).IsEmpty())

	p := PointRange(Key("k"))
	require.True(t, p.Contains(Key("k")))
	require.False(t, p.Contains(Key("k\x00")))
	require.Equal(t, "[MinKey, MaxKey)", full.String())
}

func TestSplitNamespace(t *testing.T) {
	db, coll := SplitNamespace("db.coll.sub")
	require.Equal(t, "db", db)
	require.Equal(t, "coll.sub", coll)
	require.True(t, ValidNamespace("db.coll"))
	require.False(t, ValidNamespace("db"))
	require.False(t, ValidNamespace(".coll"))
	require.False(t, ValidNamespace("db.a/b"))
}
