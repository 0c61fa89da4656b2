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
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/rdb"
	"github.com/cubefs/rdb/metrics"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HttpServer serves the status and the metrics of one replica.
type HttpServer struct {
	httpServer *http.Server
	metrics    http.Handler

	db *rdb.DB
}

func NewHttpServer(db *rdb.DB) *HttpServer {
	return &HttpServer{
		db:      db,
		metrics: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stat", h.Stat)
	rpc.GET("/replicas", h.Replicas)
	rpc.GET("/metrics", h.Metrics)

	return rpc.DefaultRouter
}

func (h *HttpServer) Stat(c *rpc.Context) {
	c.RespondJSON(h.db.Stat())
}

// Replicas lists the membership as applied by this replica.
func (h *HttpServer) Replicas(c *rpc.Context) {
	c.RespondJSON(h.db.Replicas())
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	h.metrics.ServeHTTP(c.Writer, c.Request)
}
