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

// Package wal implements the segmented write-ahead log described in
// spec.md §4.3: it owns a directory of segment files, assigns monotonic
// sequence numbers, rotates segments by size, replays them in order, and
// deletes segments once a fresh snapshot has made them obsolete.
package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prometheus/kvwald/internal/record"
	"github.com/prometheus/kvwald/internal/value"
	"github.com/prometheus/kvwald/internal/walfile"
)

// DefaultSegmentSize is the rotation threshold used when none is given,
// per spec.md §6.
const DefaultSegmentSize int64 = 10 * 1024 * 1024

const segmentSuffix = ".log"

// segNameWidth zero-pads filenames so lexicographic order equals numeric
// order, matching the teacher's sequence-file naming discipline.
const segNameWidth = 20

// Entry is the decoded form of one WAL record, surfaced to callers of
// ReadAll.
type Entry = record.LogEntry

// Options configures a WAL.
type Options struct {
	SegmentSize   int64
	RecordOptions record.Options
	Logger        log.Logger
	Registerer    prometheus.Registerer
}

// DefaultOptions returns spec.md §6's defaults.
func DefaultOptions() Options {
	return Options{
		SegmentSize:   DefaultSegmentSize,
		RecordOptions: record.DefaultOptions(),
		Logger:        log.NewNopLogger(),
	}
}

// WAL owns a directory of segment files.
//
// WAL is not independently thread-safe: per spec.md §5, all access outside
// of the constructor and ReadAll during recovery happens under the owning
// store's lock.
type WAL struct {
	dir     string
	opts    Options
	logger  log.Logger
	seqNum  uint64
	current *walfile.Writer

	appends       prometheus.Counter
	segmentsGone  prometheus.Counter
	checksumFails prometheus.Counter
}

// Open opens or creates a WAL in dir. It bootstraps seqNum from the
// highest-numbered existing segment file, then corrects it against the
// highest seq_num actually found among the records of all segments: a
// segment's filename is assigned once, when it is created or rotated onto,
// and never renamed as further records land in it, so the filename alone
// underestimates seqNum whenever the active segment holds more than one
// record — the ordinary case, since DefaultSegmentSize rarely triggers
// rotation. Leaving seqNum too low would let a later Append hand out a
// seq_num that duplicates one already durable in the same segment,
// breaking I2's strict monotonicity.
func Open(dir string, opts Options) (*WAL, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "wal: create directory %q", dir)
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	w := &WAL{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
	}
	if err := w.registerMetrics(); err != nil {
		return nil, err
	}

	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	if len(segs) > 0 {
		w.seqNum = segs[len(segs)-1]
	}

	entries, err := w.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "wal: scan existing segments")
	}
	for _, e := range entries {
		if e.SeqNum > w.seqNum {
			w.seqNum = e.SeqNum
		}
	}

	writer, err := walfile.OpenWriter(w.segmentPath(w.seqNum))
	if err != nil {
		return nil, err
	}
	w.current = writer

	return w, nil
}

func (w *WAL) registerMetrics() error {
	w.appends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvwald",
		Subsystem: "wal",
		Name:      "appends_total",
		Help:      "Total number of records appended to the WAL.",
	})
	w.segmentsGone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvwald",
		Subsystem: "wal",
		Name:      "segments_deleted_total",
		Help:      "Total number of segment files deleted by compaction.",
	})
	w.checksumFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvwald",
		Subsystem: "wal",
		Name:      "checksum_failures_total",
		Help:      "Total number of records that failed checksum verification.",
	})

	if w.opts.Registerer == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{w.appends, w.segmentsGone, w.checksumFails} {
		if err := w.opts.Registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return errors.Wrap(err, "wal: register metrics")
		}
	}
	return nil
}

func (w *WAL) segmentPath(seq uint64) string {
	return filepath.Join(w.dir, w.segmentName(seq))
}

func (w *WAL) segmentName(seq uint64) string {
	return fmt.Sprintf("%0*d%s", segNameWidth, seq, segmentSuffix)
}

// listSegments returns every *.log file's sequence number, ascending.
func (w *WAL) listSegments() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: read directory %q", w.dir)
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), segmentSuffix)
		seq, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// SeqNum returns the WAL's current sequence number.
func (w *WAL) SeqNum() uint64 { return w.seqNum }

// SetSeqNum forces the starting sequence number, used by the store's
// constructor to resume counting from a loaded snapshot (spec.md §4.4).
// It must only be called before any Append.
func (w *WAL) SetSeqNum(seq uint64) { w.seqNum = seq }

// Append encodes op/key/value as a LogEntry, assigns it the next sequence
// number, appends it to the active segment, and fsyncs. The record is
// durable once Append returns without error.
func (w *WAL) Append(op record.OpType, key string, val value.Value) (uint64, error) {
	if err := w.rotateIfNeeded(); err != nil {
		return 0, errors.Wrap(err, "wal: rotate")
	}

	seq := w.seqNum + 1
	entry := record.NewEntry(seq, op, key, val)

	payload, err := record.Encode(entry, w.opts.RecordOptions)
	if err != nil {
		return 0, errors.Wrap(err, "wal: encode entry")
	}
	if err := w.current.Append(payload); err != nil {
		return 0, errors.Wrap(err, "wal: append to segment")
	}

	w.seqNum = seq
	if w.appends != nil {
		w.appends.Inc()
	}
	return seq, nil
}

func (w *WAL) rotateIfNeeded() error {
	off, err := w.current.Offset()
	if err != nil {
		return err
	}
	if off <= w.opts.SegmentSize {
		return nil
	}
	return w.rotate()
}

// rotate closes the active segment and opens a new one at seqNum+1. Per
// spec.md §4.3, rotation consumes a sequence number the way an append
// does, so filenames track record order even though they no longer equal
// the exact first seq_num of the segment.
func (w *WAL) rotate() error {
	if err := w.current.Close(); err != nil {
		return errors.Wrap(err, "wal: close segment before rotation")
	}
	w.seqNum++
	writer, err := walfile.OpenWriter(w.segmentPath(w.seqNum))
	if err != nil {
		return err
	}
	w.current = writer
	return w.syncDir()
}

// ReadAll enumerates segment files in ascending sequence order and streams
// every record they contain, in order. A torn tail on the final segment is
// logged, truncated off the file, and otherwise ignored; a torn record in any
// earlier segment, and a corrupt record in any segment, is fatal.
func (w *WAL) ReadAll() ([]record.LogEntry, error) {
	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}

	var out []record.LogEntry
	for i, seq := range segs {
		isLast := i == len(segs)-1
		entries, err := w.readSegment(seq, isLast)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (w *WAL) readSegment(seq uint64, isLast bool) ([]record.LogEntry, error) {
	r, err := walfile.OpenReader(w.segmentPath(seq))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []record.LogEntry
	for {
		payload, err := r.Next()
		if err == nil {
			entry, decErr := record.Decode(payload)
			if decErr != nil {
				if _, ok := decErr.(*record.ChecksumError); ok {
					w.checksumFails.Inc()
				}
				return nil, errors.Wrapf(decErr, "wal: decode record in segment %s", w.segmentName(seq))
			}
			out = append(out, entry)
			continue
		}
		if tornErr, ok := err.(*walfile.TornRecordError); ok {
			if isLast {
				level.Warn(w.logger).Log("msg", "tolerating torn tail record", "segment", w.segmentName(seq))
				// Cut the partial record off so this segment still reads cleanly
				// once a newer segment exists after it.
				if err := os.Truncate(w.segmentPath(seq), tornErr.Offset); err != nil {
					return nil, errors.Wrapf(err, "wal: truncate torn tail of segment %s", w.segmentName(seq))
				}
				return out, nil
			}
			return nil, errors.Wrapf(err, "wal: torn record in non-final segment %s", w.segmentName(seq))
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		return nil, err
	}
}

// DeleteOldSegments deletes every segment file whose sequence number is
// strictly less than lowWaterMark, but only if snapshotSeqNum equals the
// WAL's current sequence number ("snapshot freshness", spec.md §4.3). If
// the snapshot is not fresh, it returns without deleting anything. Must be
// called under the owning store's lock.
func (w *WAL) DeleteOldSegments(lowWaterMark, snapshotSeqNum uint64) error {
	if snapshotSeqNum != w.seqNum {
		return nil
	}

	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	deleted := false
	for _, seq := range segs {
		if seq >= lowWaterMark {
			continue
		}
		if err := os.Remove(w.segmentPath(seq)); err != nil {
			return errors.Wrapf(err, "wal: delete segment %s", w.segmentName(seq))
		}
		w.segmentsGone.Inc()
		deleted = true
	}
	if deleted {
		return w.syncDir()
	}
	return nil
}

// syncDir fsyncs the WAL directory itself, so a segment file's creation or
// removal survives a crash even before the next append fsyncs the file it
// touches. Grounded on the teacher's own use of fileutil.OpenDir to fsync
// directory entries around its own segment lifecycle.
func (w *WAL) syncDir() error {
	d, err := fileutil.OpenDir(w.dir)
	if err != nil {
		return errors.Wrapf(err, "wal: open directory %q", w.dir)
	}
	defer d.Close()
	if err := fileutil.Fdatasync(d); err != nil {
		return errors.Wrapf(err, "wal: fsync directory %q", w.dir)
	}
	return nil
}

// Checkpoint performs the WAL side of spec.md §4.4's checkpoint algorithm:
// close the active segment, delete segments made obsolete by lowWaterMark
// (snapshot freshness holds trivially here since the caller just computed
// lowWaterMark from this WAL's own current seqNum under the store's lock),
// then open a new segment at the current seqNum.
//
// Unlike a size-triggered rotation, this does NOT increment seqNum: doing
// so would make the WAL's seqNum race ahead of the snapshot it was just
// computed from, and the next freshness check (the compactor's, or a
// second checkpoint's) would see snapshot_seq_num != wal.seq_num and
// refuse to delete anything. Leaving seqNum unchanged keeps it equal to
// the snapshot's seq_num until the next write actually advances it.
func (w *WAL) Checkpoint(lowWaterMark uint64) error {
	if err := w.current.Close(); err != nil {
		return errors.Wrap(err, "wal: close active segment for checkpoint")
	}
	if err := w.DeleteOldSegments(lowWaterMark, w.seqNum); err != nil {
		return err
	}
	writer, err := walfile.OpenWriter(w.segmentPath(w.seqNum))
	if err != nil {
		return errors.Wrap(err, "wal: open new segment after checkpoint")
	}
	w.current = writer
	return w.syncDir()
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	return w.current.Close()
}
