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

// Package server implements the line-oriented command protocol that
// exposes a *store.Store over TCP. The protocol itself is outside the
// core's scope (spec.md §1); this package is the one concrete adapter the
// core's §6 contract describes informally.
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/prometheus/kvwald/internal/value"
)

// Store is the subset of *store.Store the command protocol depends on.
type Store interface {
	Put(key string, val value.Value) error
	Get(key string) (value.Value, bool)
	Delete(key string) (bool, error)
	Keys() []string
	Checkpoint() error
}

// Server accepts connections and dispatches newline-terminated commands
// against a Store.
type Server struct {
	store  Store
	logger log.Logger
}

// New builds a Server around store.
func New(store Store, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{store: store, logger: logger}
}

// Serve accepts connections from l until it returns an error (including
// when l is closed during shutdown).
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			s.dispatch(conn, line)
		}
		if err != nil {
			if err != io.EOF {
				level.Debug(s.logger).Log("msg", "connection read error", "err", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(w io.Writer, line string) {
	fields := strings.SplitN(line, " ", 3)
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "PUT":
		if len(fields) < 3 {
			respondErr(w, "missing field")
			return
		}
		var v value.Value
		if err := json.Unmarshal([]byte(fields[2]), &v); err != nil {
			respondErr(w, "invalid value json")
			return
		}
		if err := s.store.Put(fields[1], v); err != nil {
			respondErr(w, err.Error())
			return
		}
		respond(w, "OK")

	case "GET":
		if len(fields) < 2 {
			respondErr(w, "missing field")
			return
		}
		v, ok := s.store.Get(fields[1])
		if !ok {
			respond(w, "NIL")
			return
		}
		b, err := json.Marshal(v)
		if err != nil {
			respondErr(w, err.Error())
			return
		}
		respond(w, "OK "+string(b))

	case "DELETE":
		if len(fields) < 2 {
			respondErr(w, "missing field")
			return
		}
		ok, err := s.store.Delete(fields[1])
		if err != nil {
			respondErr(w, err.Error())
			return
		}
		if !ok {
			respond(w, "NIL")
			return
		}
		respond(w, "OK")

	case "KEYS":
		b, err := json.Marshal(s.store.Keys())
		if err != nil {
			respondErr(w, err.Error())
			return
		}
		respond(w, "OK "+string(b))

	case "CHECKPOINT":
		if err := s.store.Checkpoint(); err != nil {
			respondErr(w, err.Error())
			return
		}
		respond(w, "OK")

	case "QUIT":
		respond(w, "OK")

	default:
		respondErr(w, "unknown command")
	}
}

func respond(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s\n", msg)
}

func respondErr(w io.Writer, msg string) {
	fmt.Fprintf(w, "ERR %s\n", msg)
}
