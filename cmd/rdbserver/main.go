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
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/rdb"
	"github.com/cubefs/rdb/raft"
	"github.com/cubefs/rdb/store"
)

// Config service config
type Config struct {
	rdb.Config

	// UUID and Bootstrap create the store on first start
	UUID      string               `json:"uuid"`
	Bootstrap BootstrapConfig      `json:"bootstrap"`
	Store     store.Config         `json:"store"`
	Transport raft.TransportConfig `json:"transport"`
	// Peers maps raft node ids to their raft addresses
	Peers raft.StaticResolver `json:"peers"`

	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

type BootstrapConfig struct {
	Self     rdb.Replica   `json:"self"`
	Replicas []rdb.Replica `json:"replicas"`
}

func main() {
	config.Init("f", "", "rdbserver.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "rdbserver")
	st, err := openStorage(ctx, cfg)
	if err != nil {
		span.Fatalf("open storage at %s failed: %s", cfg.Store.Path, errors.Detail(err))
	}

	// start raft transport
	cfg.Transport.Resolver = cfg.Peers
	cfg.Transport.Router = rdb.DefaultRegistry
	transport := raft.NewGRPCTransport(&cfg.Transport)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		span.Fatalf("listen raft port failed: %s", err)
	}
	go func() {
		if err := transport.Serve(lis); err != nil {
			log.Error("raft transport exits:", err)
		}
	}()

	cfg.Config.Transport = transport
	db, err := st.Start(ctx, &cfg.Config)
	if err != nil {
		span.Fatalf("start db %s failed: %s", st.UUID(), errors.Detail(err))
	}

	// start http server
	httpServer := NewHttpServer(db)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Stop()
	db.Stop(ctx).Close(ctx)
	transport.Close()
}

// openStorage opens the replica store, creating it from the bootstrap
// membership when it does not exist yet.
func openStorage(ctx context.Context, cfg *Config) (*rdb.Storage, error) {
	st, err := rdb.Open(ctx, &cfg.Store)
	if err != rdb.ErrNotFound {
		return st, err
	}
	log.Infof("no store at %s, creating db %s", cfg.Store.Path, cfg.UUID)
	return rdb.Create(ctx, &cfg.Store, cfg.UUID, cfg.Bootstrap.Self, cfg.Bootstrap.Replicas)
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
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./run/store"
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = 9600
	}
	if cfg.GrpcBindPort == 0 {
		cfg.GrpcBindPort = 9601
	}
}
