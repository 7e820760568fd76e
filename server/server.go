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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/shardroute/master"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/router"
	"github.com/cubefs/shardroute/shardserver"
)

type Config struct {
	Roles []proto.NodeRole `json:"-"`

	MasterConfig      master.Config      `json:"master_config"`
	RouterConfig      router.Config      `json:"router_config"`
	ShardServerConfig shardserver.Config `json:"shard_server_config"`
	AuditLog          auditlog.Config    `json:"auditlog"`
}

// Server hosts the roles configured for this process.
type Server struct {
	master      *master.Master
	router      *router.Router
	shardServer *shardserver.ShardServer

	auditLog   auditlog.LogCloser
	logHandler rpc.ProgressHandler
}

func NewServer(cfg *Config) *Server {
	s := &Server{}
	for _, role := range cfg.Roles {
		switch role {
		case proto.NodeRoleMaster:
			s.master = master.NewMaster(&cfg.MasterConfig)
		case proto.NodeRoleShardServer:
			shardServer, err := shardserver.NewShardServer(&cfg.ShardServerConfig)
			if err != nil {
				log.Fatalf("new shard server failed: %s", errors.Detail(err))
			}
			s.shardServer = shardServer
		case proto.NodeRoleRouter:
			r, err := router.NewRouter(&cfg.RouterConfig)
			if err != nil {
				log.Fatalf("new router failed: %s", errors.Detail(err))
			}
			s.router = r
		}
	}
	if cfg.AuditLog.LogDir != "" {
		lh, logFile, err := auditlog.Open("SHARDROUTE", &cfg.AuditLog)
		if err != nil {
			log.Fatalf("open audit log failed: %s", errors.Detail(err))
		}
		s.logHandler, s.auditLog = lh, logFile
	}
	return s
}

// Stats of every hosted role.
type Stats struct {
	Master      interface{} `json:"master,omitempty"`
	ShardServer interface{} `json:"shard_server,omitempty"`
	Router      interface{} `json:"router,omitempty"`
}

func (s *Server) Stats(ctx context.Context) Stats {
	ret := Stats{}
	if s.master != nil {
		ret.Master = s.master.Stats(ctx)
	}
	if s.shardServer != nil {
		ret.ShardServer = s.shardServer.Stats()
	}
	if s.router != nil {
		ret.Router = s.router.Catalog().Stats()
	}
	return ret
}

func (s *Server) Close() {
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.shardServer != nil {
		s.shardServer.Close()
	}
	if s.master != nil {
		s.master.Close()
	}
}
