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
	"strings"
)

const (
	ReqIdKey = "req-id"

	// NamespaceSeparator splits "db.collection".
	NamespaceSeparator = "."
)

type (
	ShardID     = string
	MigrationID = string
	Namespace   = string
)

// SplitNamespace returns the database and collection part of ns.
func SplitNamespace(ns Namespace) (db string, coll string) {
	idx := strings.Index(ns, NamespaceSeparator)
	if idx < 0 {
		return ns, ""
	}
	return ns[:idx], ns[idx+1:]
}

// ValidNamespace reports whether ns is "db.coll" with both parts non-empty.
// The slash is reserved by the storage layer.
func ValidNamespace(ns Namespace) bool {
	db, coll := SplitNamespace(ns)
	return db != "" && coll != "" && !strings.Contains(ns, "/")
}
