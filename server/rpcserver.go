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
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/router"
)

type RPCServer struct {
	*Server
	grpcServer *grpc.Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		unaryInterceptorWithTracer,
		unaryInterceptorWithStatus,
	))
	if rs.master != nil {
		proto.RegisterMasterServer(s, rs.master)
	}
	if rs.router != nil {
		proto.RegisterRouterServer(s, &routerService{router: rs.router})
	}
	if rs.shardServer != nil {
		proto.RegisterShardServerServer(s, rs.shardServer)
	}
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

// routerService exposes a router over grpc.
type routerService struct {
	router *router.Router
}

func (s *routerService) Execute(ctx context.Context, op *proto.Operation) (*proto.Result, error) {
	return s.router.Execute(ctx, op)
}

func (s *routerService) CreateDatabase(ctx context.Context, req *proto.CreateDatabaseRequest) (*proto.GetDatabaseResponse, error) {
	entry, err := s.router.CreateDatabase(ctx, req.Name, req.Primary)
	if err != nil {
		return nil, err
	}
	return &proto.GetDatabaseResponse{Entry: *entry}, nil
}

func (s *routerService) ShardCollection(ctx context.Context, req *proto.ShardCollectionRequest) (*proto.GetCollectionResponse, error) {
	meta, err := s.router.ShardCollection(ctx, req.Namespace, req.Shard)
	if err != nil {
		return nil, err
	}
	return &proto.GetCollectionResponse{Meta: *meta}, nil
}

func (s *routerService) DropCollection(ctx context.Context, req *proto.DropCollectionRequest) (*proto.Empty, error) {
	if err := s.router.DropCollection(ctx, req.Namespace); err != nil {
		return nil, err
	}
	return &proto.Empty{}, nil
}

func (s *routerService) MoveChunk(ctx context.Context, req *proto.StartMigrationRequest) (*proto.StartMigrationResponse, error) {
	id, err := s.router.MoveChunk(ctx, req.Namespace, req.Range, req.Donor, req.Recipient)
	if err != nil {
		return nil, err
	}
	return &proto.StartMigrationResponse{ID: id}, nil
}

// util function

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var span trace.Span
	md, _ := metadata.FromIncomingContext(ctx)
	if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}

	resp, err := handler(ctx, req)
	if err != nil && !apierrors.IsStaleness(err) {
		span.Warnf("%s failed: %s", info.FullMethod, errors.Detail(err))
	}
	return resp, err
}

// unaryInterceptorWithStatus encodes the typed errors so clients decode
// them back with FromStatus.
func unaryInterceptorWithStatus(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, apierrors.ToStatus(err)
	}
	return resp, nil
}
