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
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const statusPrefix = "shardroute:"

var sentinels = map[string]struct {
	err  error
	code codes.Code
}{}

func registerSentinel(code codes.Code, errs ...error) {
	for _, err := range errs {
		sentinels[err.Error()] = struct {
			err  error
			code codes.Code
		}{err: err, code: code}
	}
}

func init() {
	registerSentinel(codes.NotFound,
		ErrCollectionDoesNotExist, ErrDatabaseDoesNotExist, ErrShardDoesNotExist,
		ErrChunkNotFound, ErrMigrationNotFound, ErrKeyNotFound)
	registerSentinel(codes.AlreadyExists,
		ErrCollectionAlreadyExist, ErrDatabaseAlreadyExist, ErrShardAlreadyExist,
		ErrMigrationAlreadyExist)
	registerSentinel(codes.InvalidArgument,
		ErrInvalidNamespace, ErrInvalidChunkRange, ErrInvalidSplitPoint,
		ErrUnknownMutationType, ErrUnknownOperationType, ErrInvalidArgument,
		ErrSameDonorAndRecipient)
	registerSentinel(codes.FailedPrecondition,
		ErrShardInUse, ErrMigrationInProgress, ErrChunkLayoutBroken)
	registerSentinel(codes.Aborted,
		ErrCriticalSectionTimeout, ErrCatchUpTimeout, ErrCatchUpStalled)
}

func grpcCode(c Code) codes.Code {
	switch c {
	case CodeConflict:
		return codes.Aborted
	case CodeAuthorityUnavailable:
		return codes.Unavailable
	case CodeStaleConfigExhausted:
		return codes.ResourceExhausted
	default:
		return codes.FailedPrecondition
	}
}

// ToStatus converts err into a grpc status error on the server side.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if e, ok := AsError(err); ok {
		data, merr := json.Marshal(e)
		if merr == nil {
			return status.Error(grpcCode(e.Code), statusPrefix+string(data))
		}
	}
	for msg, s := range sentinels {
		if errors.Is(err, s.err) {
			return status.Error(s.code, msg)
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus restores the typed error carried by a grpc status error. Errors
// that were not produced by ToStatus are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	if strings.HasPrefix(msg, statusPrefix) {
		e := &Error{}
		if json.Unmarshal([]byte(msg[len(statusPrefix):]), e) == nil {
			return e
		}
	}
	if s, ok := sentinels[msg]; ok {
		return s.err
	}
	return err
}

// IsTransportFailure reports grpc errors meaning the peer could not be
// reached or did not answer in time.
func IsTransportFailure(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return !strings.HasPrefix(st.Message(), statusPrefix)
	}
	return false
}
