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

type MutationType int

const (
	MutationUnknown MutationType = iota
	MutationMoveChunk
	MutationSplitChunk
	MutationMergeChunks
)

// Mutation is a change to the chunk layout applied with ConditionalWrite.
type Mutation struct {
	Type        MutationType `json:"type"`
	Range       KeyRange     `json:"range"`
	From        ShardID      `json:"from,omitempty"`
	To          ShardID      `json:"to,omitempty"`
	SplitPoints []Key        `json:"split_points,omitempty"`
	// MigrationID, when set on a move, marks the migration record committed
	// in the same atomic write.
	MigrationID MigrationID `json:"migration_id,omitempty"`
}

type (
	GetCollectionRequest struct {
		Namespace Namespace `json:"namespace"`
	}
	GetCollectionResponse struct {
		Meta CollectionMeta `json:"meta"`
	}
	GetDatabaseRequest struct {
		Name string `json:"name"`
	}
	GetDatabaseResponse struct {
		Entry DatabaseEntry `json:"entry"`
	}
	ListShardsResponse struct {
		Shards []ShardInfo `json:"shards"`
	}
	AddShardRequest struct {
		Info ShardInfo `json:"info"`
	}
	RemoveShardRequest struct {
		ID ShardID `json:"id"`
	}
	CreateDatabaseRequest struct {
		Name    string  `json:"name"`
		Primary ShardID `json:"primary"`
	}
	ShardCollectionRequest struct {
		Namespace Namespace `json:"namespace"`
		Shard     ShardID   `json:"shard"`
	}
	DropCollectionRequest struct {
		Namespace Namespace `json:"namespace"`
	}
	ConditionalWriteRequest struct {
		Namespace Namespace         `json:"namespace"`
		Expected  CollectionVersion `json:"expected"`
		Mutation  Mutation          `json:"mutation"`
	}
	ConditionalWriteResponse struct {
		Version CollectionVersion `json:"version"`
	}
	MigrationRecordRequest struct {
		Record        MigrationRecord `json:"record"`
		ExpectedState MigrationState  `json:"expected_state"`
	}
	GetMigrationRequest struct {
		ID MigrationID `json:"id"`
	}
	GetMigrationResponse struct {
		Record MigrationRecord `json:"record"`
	}
	ListMigrationsResponse struct {
		Records []MigrationRecord `json:"records"`
	}
	StartMigrationRequest struct {
		Namespace Namespace `json:"namespace"`
		Range     KeyRange  `json:"range"`
		Donor     ShardID   `json:"donor"`
		Recipient ShardID   `json:"recipient"`
	}
	StartMigrationResponse struct {
		ID MigrationID `json:"id"`
	}
)
