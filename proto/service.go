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
	"context"

	"google.golang.org/grpc"
)

const (
	MasterServiceName      = "shardroute.Master"
	RouterServiceName      = "shardroute.Router"
	ShardServerServiceName = "shardroute.ShardServer"
)

// FullMethod returns the grpc method path of method on service.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

type MasterServer interface {
	GetCollection(context.Context, *GetCollectionRequest) (*GetCollectionResponse, error)
	GetDatabase(context.Context, *GetDatabaseRequest) (*GetDatabaseResponse, error)
	ListShards(context.Context, *Empty) (*ListShardsResponse, error)
	AddShard(context.Context, *AddShardRequest) (*Empty, error)
	RemoveShard(context.Context, *RemoveShardRequest) (*Empty, error)
	CreateDatabase(context.Context, *CreateDatabaseRequest) (*GetDatabaseResponse, error)
	ShardCollection(context.Context, *ShardCollectionRequest) (*GetCollectionResponse, error)
	DropCollection(context.Context, *DropCollectionRequest) (*Empty, error)
	ConditionalWrite(context.Context, *ConditionalWriteRequest) (*ConditionalWriteResponse, error)
	CreateMigration(context.Context, *MigrationRecordRequest) (*Empty, error)
	GetMigration(context.Context, *GetMigrationRequest) (*GetMigrationResponse, error)
	ListMigrations(context.Context, *Empty) (*ListMigrationsResponse, error)
	UpdateMigration(context.Context, *MigrationRecordRequest) (*Empty, error)
	StartMigration(context.Context, *StartMigrationRequest) (*StartMigrationResponse, error)
}

type RouterServer interface {
	Execute(context.Context, *Operation) (*Result, error)
	CreateDatabase(context.Context, *CreateDatabaseRequest) (*GetDatabaseResponse, error)
	ShardCollection(context.Context, *ShardCollectionRequest) (*GetCollectionResponse, error)
	DropCollection(context.Context, *DropCollectionRequest) (*Empty, error)
	MoveChunk(context.Context, *StartMigrationRequest) (*StartMigrationResponse, error)
}

type ShardServerServer interface {
	Execute(context.Context, *ShardRequest) (*ShardResponse, error)
	Migrate(context.Context, *MigrationCommand) (*MigrationCommandResult, error)
	Fetch(context.Context, *FetchRequest) (*FetchResponse, error)
}

var MasterServiceDesc = grpc.ServiceDesc{
	ServiceName: MasterServiceName,
	HandlerType: (*MasterServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MasterServiceName, "GetCollection", MasterServer.GetCollection),
		method(MasterServiceName, "GetDatabase", MasterServer.GetDatabase),
		method(MasterServiceName, "ListShards", MasterServer.ListShards),
		method(MasterServiceName, "AddShard", MasterServer.AddShard),
		method(MasterServiceName, "RemoveShard", MasterServer.RemoveShard),
		method(MasterServiceName, "CreateDatabase", MasterServer.CreateDatabase),
		method(MasterServiceName, "ShardCollection", MasterServer.ShardCollection),
		method(MasterServiceName, "DropCollection", MasterServer.DropCollection),
		method(MasterServiceName, "ConditionalWrite", MasterServer.ConditionalWrite),
		method(MasterServiceName, "CreateMigration", MasterServer.CreateMigration),
		method(MasterServiceName, "GetMigration", MasterServer.GetMigration),
		method(MasterServiceName, "ListMigrations", MasterServer.ListMigrations),
		method(MasterServiceName, "UpdateMigration", MasterServer.UpdateMigration),
		method(MasterServiceName, "StartMigration", MasterServer.StartMigration),
	},
	Metadata: "shardroute/master",
}

var RouterServiceDesc = grpc.ServiceDesc{
	ServiceName: RouterServiceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		method(RouterServiceName, "Execute", RouterServer.Execute),
		method(RouterServiceName, "CreateDatabase", RouterServer.CreateDatabase),
		method(RouterServiceName, "ShardCollection", RouterServer.ShardCollection),
		method(RouterServiceName, "DropCollection", RouterServer.DropCollection),
		method(RouterServiceName, "MoveChunk", RouterServer.MoveChunk),
	},
	Metadata: "shardroute/router",
}

var ShardServerServiceDesc = grpc.ServiceDesc{
	ServiceName: ShardServerServiceName,
	HandlerType: (*ShardServerServer)(nil),
	Methods: []grpc.MethodDesc{
		method(ShardServerServiceName, "Execute", ShardServerServer.Execute),
		method(ShardServerServiceName, "Migrate", ShardServerServer.Migrate),
		method(ShardServerServiceName, "Fetch", ShardServerServer.Fetch),
	},
	Metadata: "shardroute/shardserver",
}

func RegisterMasterServer(s grpc.ServiceRegistrar, srv MasterServer) {
	s.RegisterService(&MasterServiceDesc, srv)
}

func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&RouterServiceDesc, srv)
}

func RegisterShardServerServer(s grpc.ServiceRegistrar, srv ShardServerServer) {
	s.RegisterService(&ShardServerServiceDesc, srv)
}

// method builds the descriptor of a unary method from its interface method
// expression, decoding the request with the connection's codec.
func method[S any, Req any, Resp any](service, name string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := FullMethod(service, name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}
