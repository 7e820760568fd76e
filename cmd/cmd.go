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

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"github.com/goccy/go-yaml"

	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/server"
	"github.com/cubefs/shardroute/util"
)

const roleSingle = "single"

// Config service config
type Config struct {
	server.Config

	Roles         []string  `json:"roles"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

var yamlConf = flag.String("yaml", "", "yaml config file, used instead of -f when set")

func main() {
	config.Init("f", "", "server.json")

	cfg := &Config{}
	if err := loadConfig(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	startServer := server.NewServer(&cfg.Config)
	// start http server
	httpServer := server.NewHttpServer(startServer)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	// start grpc server
	grpcServer := server.NewRPCServer(startServer)
	grpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)))

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	grpcServer.Stop()
	httpServer.Stop()
	startServer.Close()
}

func loadConfig(cfg *Config) error {
	flag.Parse()
	if *yamlConf == "" {
		return config.Load(cfg)
	}
	data, err := os.ReadFile(*yamlConf)
	if err != nil {
		return err
	}
	return loadYAML(data, cfg)
}

// loadYAML accepts the same keys as the json config.
func loadYAML(data []byte, cfg *Config) error {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return errors.Info(err, "parse yaml config")
	}
	return json.Unmarshal(js, cfg)
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func initConfig(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	grpcPort := strconv.Itoa(int(cfg.GrpcBindPort))

	if len(cfg.Roles) == 0 {
		log.Fatalf("node roles must be set")
	}
	cfg.Config.Roles = cfg.Config.Roles[:0]
InitRoles:
	for _, name := range cfg.Roles {
		if name == roleSingle {
			cfg.Config.Roles = []proto.NodeRole{proto.NodeRoleMaster, proto.NodeRoleShardServer, proto.NodeRoleRouter}
			local := "127.0.0.1:" + grpcPort
			cfg.RouterConfig.MasterConfig.MasterAddresses = local
			cfg.ShardServerConfig.MasterConfig.MasterAddresses = local
			cfg.ShardServerConfig.Addr = local
			if cfg.ShardServerConfig.CatalogConfig.ShardID == "" {
				cfg.ShardServerConfig.CatalogConfig.ShardID = "shard0"
			}
			break InitRoles
		}
		role := proto.ParseNodeRole(name)
		if role == proto.NodeRoleUnknown {
			log.Fatalf("unknown node role %s", name)
		}
		cfg.Config.Roles = append(cfg.Config.Roles, role)
	}

	if cfg.MasterConfig.CatalogConfig.StoragePath == "" {
		cfg.MasterConfig.CatalogConfig.StoragePath = "./run/master"
	}
	if cfg.ShardServerConfig.StoreConfig.Path == "" {
		cfg.ShardServerConfig.StoreConfig.Path = "./run/store"
	}
	if cfg.ShardServerConfig.Addr == "" {
		ip, err := util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't get local ip address, please set the address of the shard server")
		}
		cfg.ShardServerConfig.Addr = ip + ":" + grpcPort
	}
}
