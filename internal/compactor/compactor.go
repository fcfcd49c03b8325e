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

// Package compactor implements the background task that periodically asks
// the store to delete WAL segments made obsolete by the latest checkpoint,
// per spec.md §4.5.
package compactor

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DefaultInterval is the compaction period used when none is given, per
// spec.md §6.
const DefaultInterval = 60 * time.Second

// Store is the subset of *store.Store the compactor needs. A narrow
// interface keeps this package decoupled from the store's full API.
type Store interface {
	CompactOnce() error
}

// Compactor runs CompactOnce on Store every Interval until Stop is
// called. Stop interrupts the wait between ticks; it only waits for a
// CompactOnce call already in progress to return.
type Compactor struct {
	store    Store
	interval time.Duration
	logger   log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Compactor. It does not start running until Run is called.
func New(store Store, interval time.Duration, logger log.Logger) *Compactor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Compactor{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking every interval and calling CompactOnce, until Stop is
// called. It is meant to be registered as one
// actor in an oklog/run Group alongside the rest of the server's actors.
func (c *Compactor) Run() error {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.store.CompactOnce(); err != nil {
				level.Warn(c.logger).Log("msg", "compaction failed", "err", err)
			}
		case <-c.stop:
			return nil
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (c *Compactor) Stop(error) {
	close(c.stop)
	<-c.done
}
