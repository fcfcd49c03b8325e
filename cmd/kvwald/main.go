// Copyright 2024 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The kvwald command runs the durable key-value store as a standalone
// server: a line-oriented command protocol on one listener, Prometheus
// metrics on another, and a background compactor in between.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/prometheus/kvwald/internal/compactor"
	"github.com/prometheus/kvwald/internal/config"
	"github.com/prometheus/kvwald/internal/server"
	"github.com/prometheus/kvwald/internal/store"
	"github.com/prometheus/kvwald/internal/wal"
)

func main() {
	var configFile string

	a := kingpin.New(filepath.Base(os.Args[0]), "A durable, WAL-backed key-value store.")
	a.HelpFlag.Short('h')
	a.Flag("config.file", "Configuration file path.").
		Default("kvwald.yml").StringVar(&configFile)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "parse flags"))
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.Load(configFile)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()

	st, err := store.Open(store.Options{
		DataDir: cfg.DataDir,
		WAL: wal.Options{
			SegmentSize:   cfg.SegmentSize,
			RecordOptions: cfg.RecordOptions(),
		},
		Logger:     log.With(logger, "component", "store"),
		Registerer: reg,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to open store", "err", err)
		os.Exit(1)
	}

	cmdListener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind command listener", "err", err)
		os.Exit(1)
	}
	metricsListener, err := net.Listen("tcp", cfg.MetricsAddress)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind metrics listener", "err", err)
		os.Exit(1)
	}

	srv := server.New(st, log.With(logger, "component", "server"))
	comp := compactor.New(st, cfg.CompactorInterval(), log.With(logger, "component", "compactor"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Handler: mux}

	var g run.Group

	g.Add(func() error {
		level.Info(logger).Log("msg", "serving command protocol", "addr", cfg.ListenAddress)
		return srv.Serve(cmdListener)
	}, func(error) {
		cmdListener.Close()
	})

	g.Add(func() error {
		level.Info(logger).Log("msg", "serving metrics", "addr", cfg.MetricsAddress)
		return httpServer.Serve(metricsListener)
	}, func(error) {
		httpServer.Close()
	})

	g.Add(comp.Run, comp.Stop)

	g.Add(run.SignalHandler(context.Background(), os.Interrupt, os.Kill))

	if err := g.Run(); err != nil {
		level.Warn(logger).Log("msg", "server actor exited", "err", err)
	}

	if err := st.Close(); err != nil {
		level.Error(logger).Log("msg", "failed to close store", "err", err)
		os.Exit(1)
	}
}
