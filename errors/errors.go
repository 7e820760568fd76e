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

package errors

import (
	"errors"
	"fmt"

	"github.com/cubefs/shardroute/proto"
)

var (
	ErrCollectionDoesNotExist = errors.New("the collection does not exist")
	ErrCollectionAlreadyExist = errors.New("the collection is already sharded")
	ErrDatabaseDoesNotExist   = errors.New("the database does not exist")
	ErrDatabaseAlreadyExist   = errors.New("the database already exists")
	ErrInvalidNamespace       = errors.New("invalid namespace")

	ErrShardDoesNotExist = errors.New("shard does not exist")
	ErrShardAlreadyExist = errors.New("shard already exists")
	ErrShardInUse        = errors.New("shard still owns chunks or databases")

	ErrChunkNotFound       = errors.New("no chunk matches the range")
	ErrInvalidChunkRange   = errors.New("invalid chunk range")
	ErrChunkLayoutBroken   = errors.New("chunks do not partition the key space")
	ErrInvalidSplitPoint   = errors.New("invalid split point")
	ErrUnknownMutationType = errors.New("unknown mutation type")

	ErrMigrationNotFound      = errors.New("migration does not exist")
	ErrMigrationAlreadyExist  = errors.New("migration already exists")
	ErrMigrationInProgress    = errors.New("a conflicting migration is in progress")
	ErrSameDonorAndRecipient  = errors.New("donor and recipient are the same shard")
	ErrCriticalSectionTimeout = errors.New("critical section exceeded its bound")
	ErrCatchUpTimeout         = errors.New("recipient could not catch up within bound")
	ErrCatchUpStalled         = errors.New("recipient is not catching up with the writes")

	ErrKeyNotFound          = errors.New("key not found")
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// Code is the closed set of routing-level error kinds. They are distinct from
// data-level errors and are decoded once at the transport boundary.
type Code int

const (
	CodeOK Code = iota
	CodeStaleShardVersion
	CodeStaleEpoch
	CodeStaleDbVersion
	CodeShardDoesNotOwnRange
	CodeShardUnknown
	CodeTopologyUnstable
	CodeConflict
	CodeAuthorityUnavailable
	CodeStaleConfigExhausted
)

var codeNames = [...]string{
	"OK", "StaleShardVersion", "StaleEpoch", "StaleDbVersion",
	"ShardDoesNotOwnRange", "ShardUnknown", "TopologyUnstable", "Conflict",
	"AuthorityUnavailable", "StaleConfigExhausted",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a routing error. Received is the version the request carried and
// Wanted the version the reporting shard holds.
type Error struct {
	Code      Code                    `json:"code"`
	Namespace proto.Namespace         `json:"namespace,omitempty"`
	Shard     proto.ShardID           `json:"shard,omitempty"`
	Received  proto.CollectionVersion `json:"received"`
	Wanted    proto.CollectionVersion `json:"wanted"`
	WantedDB  proto.DatabaseVersion   `json:"wanted_db"`
	Msg       string                  `json:"msg,omitempty"`
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Namespace != "" {
		s += " ns=" + e.Namespace
	}
	if e.Shard != "" {
		s += " shard=" + e.Shard
	}
	switch e.Code {
	case CodeStaleShardVersion, CodeStaleEpoch, CodeShardDoesNotOwnRange:
		s += fmt.Sprintf(" received=%s wanted=%s", e.Received, e.Wanted)
	case CodeStaleDbVersion:
		s += " wanted=" + e.WantedDB.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c})
// works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, ns proto.Namespace, msg string) *Error {
	return &Error{Code: code, Namespace: ns, Msg: msg}
}

func NewStaleShardVersion(ns proto.Namespace, shard proto.ShardID, received, wanted proto.CollectionVersion) *Error {
	return &Error{Code: CodeStaleShardVersion, Namespace: ns, Shard: shard, Received: received, Wanted: wanted}
}

func NewStaleEpoch(ns proto.Namespace, shard proto.ShardID, received, wanted proto.CollectionVersion) *Error {
	return &Error{Code: CodeStaleEpoch, Namespace: ns, Shard: shard, Received: received, Wanted: wanted}
}

func NewShardDoesNotOwnRange(ns proto.Namespace, shard proto.ShardID, received, wanted proto.CollectionVersion) *Error {
	return &Error{Code: CodeShardDoesNotOwnRange, Namespace: ns, Shard: shard, Received: received, Wanted: wanted}
}

func NewStaleDbVersion(ns proto.Namespace, shard proto.ShardID, wanted proto.DatabaseVersion) *Error {
	return &Error{Code: CodeStaleDbVersion, Namespace: ns, Shard: shard, WantedDB: wanted}
}

func NewShardUnknown(shard proto.ShardID) *Error {
	return &Error{Code: CodeShardUnknown, Shard: shard}
}

func NewConflict(ns proto.Namespace, msg string) *Error {
	return &Error{Code: CodeConflict, Namespace: ns, Msg: msg}
}

func NewAuthorityUnavailable(msg string) *Error {
	return &Error{Code: CodeAuthorityUnavailable, Msg: msg}
}

// AsError extracts a routing error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the routing code of err, CodeOK for nil or data errors.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeOK
}

// IsStaleness reports errors recoverable by refresh and retry.
func IsStaleness(err error) bool {
	switch CodeOf(err) {
	case CodeStaleShardVersion, CodeStaleEpoch, CodeStaleDbVersion, CodeShardDoesNotOwnRange:
		return true
	}
	return false
}

// IsTopology reports cluster reconfiguration errors.
func IsTopology(err error) bool {
	switch CodeOf(err) {
	case CodeShardUnknown, CodeTopologyUnstable:
		return true
	}
	return false
}

func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

func IsAuthorityUnavailable(err error) bool {
	return CodeOf(err) == CodeAuthorityUnavailable
}
