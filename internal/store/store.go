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

// Package store implements the in-memory key-value store layered on top of
// the segmented WAL: PUT/GET/DELETE, crash recovery from snapshot + WAL
// tail, and checkpoint (snapshot + compaction), per spec.md §4.4.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prometheus/kvwald/internal/record"
	"github.com/prometheus/kvwald/internal/value"
	"github.com/prometheus/kvwald/internal/wal"
)

const snapshotFileName = "snapshot.json"

// snapshotFile is the on-disk shape of snapshot.json, per spec.md §6.
type snapshotFile struct {
	SeqNum uint64                 `json:"seq_num"`
	Data   map[string]value.Value `json:"data"`
}

// Options configures a Store.
type Options struct {
	DataDir    string
	WAL        wal.Options
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Store is a durable key-value map backed by a segmented WAL.
//
// All mutable state is protected by mu; CompactOnce, which the background
// compactor calls, takes the same lock as Checkpoint, so the two never
// race. Go's sync.Mutex is not reentrant, so public methods
// never call each other while holding mu (see DESIGN.md).
type Store struct {
	mu sync.Mutex

	dataDir      string
	wal          *wal.WAL
	data         map[string]value.Value
	lowWaterMark uint64
	logger       log.Logger

	checkpointDuration prometheus.Histogram
	keysGauge          prometheus.GaugeFunc
}

// Open recovers a Store from dataDir: it loads snapshot.json if present,
// then replays the WAL tail whose seq_num exceeds the snapshot's, per
// spec.md §4.4's recovery algorithm.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("store: data_dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "store: create data dir %q", opts.DataDir)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	s := &Store{
		dataDir: opts.DataDir,
		data:    make(map[string]value.Value),
		logger:  opts.Logger,
	}

	var snapSeqNum uint64
	snap, err := loadSnapshot(s.snapshotPath())
	if err != nil {
		return nil, err
	}
	if snap != nil {
		snapSeqNum = snap.SeqNum
		for k, v := range snap.Data {
			s.data[k] = v
		}
		s.lowWaterMark = snap.SeqNum
	}

	walOpts := opts.WAL
	walOpts.Logger = opts.Logger
	walOpts.Registerer = opts.Registerer
	w, err := wal.Open(walDir(opts.DataDir), walOpts)
	if err != nil {
		return nil, errors.Wrap(err, "store: open wal")
	}
	s.wal = w

	entries, err := w.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "store: replay wal")
	}

	// wal.Open already corrects seq_num against every record actually
	// found in the existing segments; it has no notion of the snapshot,
	// so the snapshot's own seq_num is folded in here, per spec.md §4.4
	// recovery step 3.
	if snap != nil && w.SeqNum() < snapSeqNum {
		w.SetSeqNum(snapSeqNum)
	}

	for _, e := range entries {
		if e.SeqNum <= snapSeqNum {
			continue
		}
		applyEntry(s.data, e)
	}

	if err := s.registerMetrics(opts.Registerer); err != nil {
		return nil, err
	}

	level.Info(s.logger).Log("msg", "store recovered", "keys", len(s.data), "seq_num", s.wal.SeqNum())
	return s, nil
}

func applyEntry(data map[string]value.Value, e record.LogEntry) {
	switch e.Op {
	case record.OpPut:
		data[e.Key] = e.Value
	case record.OpDelete:
		delete(data, e.Key)
	}
}

func (s *Store) registerMetrics(reg prometheus.Registerer) error {
	s.checkpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvwald",
		Subsystem: "store",
		Name:      "checkpoint_duration_seconds",
		Help:      "Time taken to complete a checkpoint.",
	})
	s.keysGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kvwald",
		Subsystem: "store",
		Name:      "keys",
		Help:      "Current number of live keys.",
	}, func() float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return float64(len(s.data))
	})

	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{s.checkpointDuration, s.keysGauge} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return errors.Wrap(err, "store: register metrics")
		}
	}
	return nil
}

func walDir(dataDir string) string { return filepath.Join(dataDir, "wal") }

func (s *Store) snapshotPath() string { return filepath.Join(s.dataDir, snapshotFileName) }

func loadSnapshot(path string) (*snapshotFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "store: open snapshot %q", path)
	}
	defer f.Close()

	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, errors.Wrapf(err, "store: decode snapshot %q", path)
	}
	return &snap, nil
}

// Put durably stores value at key: it appends a PUT record (fsynced) and
// only then makes the mutation visible in memory, per I1.
func (s *Store) Put(key string, val value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.wal.Append(record.OpPut, key, val); err != nil {
		return errors.Wrap(err, "store: put")
	}
	s.data[key] = val
	return nil
}

// Get returns the value at key and whether it is present. It never
// touches the WAL.
func (s *Store) Get(key string) (value.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	return v, ok
}

// Delete removes key. It returns false, performing no WAL write, if the
// key was already absent.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return false, nil
	}
	if _, err := s.wal.Append(record.OpDelete, key, value.Null()); err != nil {
		return false, errors.Wrap(err, "store: delete")
	}
	delete(s.data, key)
	return true, nil
}

// Keys returns a snapshot of the current key set.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Checkpoint writes a fresh snapshot, advances the low-water mark to the
// WAL's current sequence number, and rotates onto a new, empty segment —
// the snapshot becomes the base state, so the WAL only needs to capture
// mutations after it. It does not re-log live keys into the new segment;
// the snapshot makes that redundant (spec.md §4.4).
func (s *Store) Checkpoint() error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if s.checkpointDuration != nil {
			s.checkpointDuration.Observe(time.Since(start).Seconds())
		}
	}()

	seqNum := s.wal.SeqNum()
	dataCopy := make(map[string]value.Value, len(s.data))
	for k, v := range s.data {
		dataCopy[k] = v
	}

	if err := writeSnapshotAtomic(s.snapshotPath(), snapshotFile{SeqNum: seqNum, Data: dataCopy}); err != nil {
		return errors.Wrap(err, "store: write snapshot")
	}

	s.lowWaterMark = seqNum

	if err := s.wal.Checkpoint(s.lowWaterMark); err != nil {
		return errors.Wrap(err, "store: checkpoint wal")
	}

	level.Info(s.logger).Log("msg", "checkpoint complete", "seq_num", seqNum, "keys", len(dataCopy))
	return nil
}

func writeSnapshotAtomic(path string, snap snapshotFile) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %q", tmp)
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %q", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsync %q", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %q to %q", tmp, path)
	}
	return nil
}

// CompactOnce requests segment deletion under the store's lock, the single
// operation the background compactor performs on each tick (spec.md §4.5).
func (s *Store) CompactOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := loadSnapshot(s.snapshotPath())
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	return s.wal.DeleteOldSegments(s.lowWaterMark, snap.SeqNum)
}

// Close flushes and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}
