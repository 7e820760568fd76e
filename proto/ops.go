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

type OpType int

const (
	OpUnknown OpType = iota
	OpGet
	OpPut
	OpDelete
	OpScan
)

var opTypeNames = [...]string{"unknown", "get", "put", "delete", "scan"}

func (t OpType) String() string {
	if int(t) < len(opTypeNames) {
		return opTypeNames[t]
	}
	return "unknown"
}

func (t OpType) IsWrite() bool {
	return t == OpPut || t == OpDelete
}

type Document struct {
	Key   Key    `json:"key"`
	Value []byte `json:"value"`
}

// Operation is a client operation executed by the router. Point operations
// use Key, OpScan uses Range and Limit.
type Operation struct {
	Type      OpType    `json:"type"`
	Namespace Namespace `json:"namespace"`
	Key       Key       `json:"key,omitempty"`
	Value     []byte    `json:"value,omitempty"`
	Range     KeyRange  `json:"range"`
	Limit     int       `json:"limit,omitempty"`
}

// TargetRange is the op range for routing purposes.
func (op *Operation) TargetRange() KeyRange {
	if op.Type == OpScan {
		return op.Range
	}
	return PointRange(op.Key)
}

type Result struct {
	Found bool       `json:"found"`
	Docs  []Document `json:"docs,omitempty"`
}

// ShardRequest is one shard's part of an operation. Version carries the
// router's cached collection version, DbVersion is set instead for unsharded
// collections.
type ShardRequest struct {
	Operation Operation         `json:"operation"`
	Ranges    []KeyRange        `json:"ranges"`
	Version   CollectionVersion `json:"version"`
	DbVersion DatabaseVersion   `json:"db_version"`
}

type RangeResult struct {
	Range KeyRange   `json:"range"`
	Docs  []Document `json:"docs"`
}

type ShardResponse struct {
	Found   bool          `json:"found"`
	Results []RangeResult `json:"results,omitempty"`
}

type Empty struct{}
