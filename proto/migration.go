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

type MigrationState int

const (
	MigrationStateUnknown MigrationState = iota
	MigrationStateCloning
	MigrationStateCatchingUp
	MigrationStateBlocking
	MigrationStateCommitting
	MigrationStateCommitted
	MigrationStateAborting
	MigrationStateAborted
	// MigrationStateDone is reached once the donor has scheduled the
	// deletion of the moved range.
	MigrationStateDone
)

var migrationStateNames = [...]string{
	"unknown", "cloning", "catching_up", "blocking", "committing",
	"committed", "aborting", "aborted", "done",
}

func (s MigrationState) String() string {
	if int(s) < len(migrationStateNames) {
		return migrationStateNames[s]
	}
	return "unknown"
}

// Terminal states need no further work from any coordinator.
func (s MigrationState) Terminal() bool {
	return s == MigrationStateAborted || s == MigrationStateDone
}

// BeforeCommit states can be aborted without consulting the chunk owner.
func (s MigrationState) BeforeCommit() bool {
	return s >= MigrationStateCloning && s <= MigrationStateBlocking
}

// MigrationRecord is the durable state of one chunk migration. A coordinator
// resumes or aborts solely from this record.
type MigrationRecord struct {
	ID               MigrationID       `json:"id"`
	Namespace        Namespace         `json:"namespace"`
	Range            KeyRange          `json:"range"`
	Donor            ShardID           `json:"donor"`
	Recipient        ShardID           `json:"recipient"`
	State            MigrationState    `json:"state"`
	ExpectedVersion  CollectionVersion `json:"expected_version"`
	CommittedVersion CollectionVersion `json:"committed_version"`
	Reason           string            `json:"reason,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// MigrationCommandType enumerates the steps a coordinator asks a shard to run.
type MigrationCommandType int

const (
	MigrationCmdUnknown MigrationCommandType = iota
	// donor side
	MigrationCmdStartDonate
	MigrationCmdEnterCriticalSection
	MigrationCmdBlockReads
	MigrationCmdExitCriticalSection
	MigrationCmdCleanupDonor
	// recipient side
	MigrationCmdClone
	MigrationCmdCatchUp
	MigrationCmdAbortRecipient
	// both
	MigrationCmdRefresh
	MigrationCmdForget
)

type MigrationCommand struct {
	Type   MigrationCommandType `json:"type"`
	Record MigrationRecord      `json:"record"`
	// MaxLag bounds the number of pending modifications for CatchUp.
	MaxLag int `json:"max_lag,omitempty"`
}

type MigrationCommandResult struct {
	Cloned  int `json:"cloned,omitempty"`
	Applied int `json:"applied,omitempty"`
	// Pending is the number of donor modifications not yet applied.
	Pending int  `json:"pending"`
	Done    bool `json:"done,omitempty"`
}

// FetchRequest is sent by a recipient to its donor.
type FetchRequest struct {
	MigrationID MigrationID `json:"migration_id"`
	Namespace   Namespace   `json:"namespace"`
	// Mods asks for captured modifications instead of the clone stream.
	Mods   bool `json:"mods"`
	Marker Key  `json:"marker,omitempty"`
	Limit  int  `json:"limit"`
}

type FetchResponse struct {
	Docs    []Document `json:"docs"`
	Deleted []Key      `json:"deleted,omitempty"`
	// Next is empty when the clone stream is exhausted.
	Next    Key  `json:"next,omitempty"`
	Pending int  `json:"pending"`
	EOF     bool `json:"eof"`
}
