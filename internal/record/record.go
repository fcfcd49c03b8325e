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

// Package record implements the on-disk framing for a single WAL entry:
// JSON body, CRC-32 checksum, and an optional compression envelope.
//
// The envelope is record-local (it lives inside the length-prefixed frame,
// not around it) so a reader can decode each record independently and a
// future migration between compression algorithms never needs to rewrite
// the whole log, only new records.
package record

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/prometheus/kvwald/internal/value"
)

// OpType identifies what a LogEntry does to the key.
type OpType byte

const (
	// OpPut stores or replaces the value at a key.
	OpPut OpType = 1
	// OpDelete removes a key.
	OpDelete OpType = 2
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Algo identifies the compression applied to a record's body.
type Algo byte

const (
	// AlgoNone stores the JSON body uncompressed.
	AlgoNone Algo = 0
	// AlgoZlib stores the JSON body zlib-compressed.
	AlgoZlib Algo = 1
)

// FormatVersion is the only LogEntry wire format this package understands.
const FormatVersion = 1

// DefaultZlibLevel is the zlib compression level used when none is given.
const DefaultZlibLevel = 6

// ChecksumError reports that a record's stored checksum disagreed with the
// checksum recomputed on decode. Per spec this is fatal for the record.
type ChecksumError struct {
	Want, Got uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("record: checksum mismatch: want %x, got %x", e.Want, e.Got)
}

// FormatError reports malformed JSON, an unknown op type, an unsupported
// format version, or an unknown compression algorithm.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "record: " + e.Reason
}

// LogEntry is one durable operation: a PUT or a DELETE of a key.
type LogEntry struct {
	SeqNum        uint64
	Op            OpType
	Key           string
	Value         value.Value // absent (null) for OpDelete
	Timestamp     int64       // wall-clock seconds, informational only
	Checksum      uint32
	FormatVersion int
}

// wireEntry is the exact JSON shape persisted on disk, matching spec.md §6.
type wireEntry struct {
	SeqNum        uint64      `json:"seq_num"`
	OpType        int         `json:"op_type"`
	Key           string      `json:"key"`
	Value         value.Value `json:"value"`
	Timestamp     int64       `json:"timestamp"`
	Checksum      uint32      `json:"checksum"`
	FormatVersion int         `json:"format_version"`
}

// NewEntry builds a LogEntry with its checksum populated, using the current
// wall clock for the timestamp.
func NewEntry(seqNum uint64, op OpType, key string, val value.Value) LogEntry {
	e := LogEntry{
		SeqNum:        seqNum,
		Op:            op,
		Key:           key,
		Value:         val,
		Timestamp:     time.Now().Unix(),
		FormatVersion: FormatVersion,
	}
	e.Checksum = checksum(e)
	return e
}

// checksum computes the CRC-32 (IEEE) over the textual concatenation of
// seq_num, op_type, key, value, timestamp, per spec.md §3.
func checksum(e LogEntry) uint32 {
	h := crc32.NewIEEE()
	io.WriteString(h, strconv.FormatUint(e.SeqNum, 10))
	io.WriteString(h, e.Op.String())
	io.WriteString(h, e.Key)
	io.WriteString(h, e.Value.CanonicalString())
	io.WriteString(h, strconv.FormatInt(e.Timestamp, 10))
	return h.Sum32()
}

// Options configures how records are encoded.
type Options struct {
	Algo      Algo
	ZlibLevel int
}

// DefaultOptions returns the spec's default encoding options: ZLIB at
// level 6.
func DefaultOptions() Options {
	return Options{Algo: AlgoZlib, ZlibLevel: DefaultZlibLevel}
}

// Encode serializes entry as the envelope payload: [algo:1][body].
func Encode(entry LogEntry, opts Options) ([]byte, error) {
	body, err := json.Marshal(wireEntry{
		SeqNum:        entry.SeqNum,
		OpType:        int(entry.Op),
		Key:           entry.Key,
		Value:         entry.Value,
		Timestamp:     entry.Timestamp,
		Checksum:      entry.Checksum,
		FormatVersion: entry.FormatVersion,
	})
	if err != nil {
		return nil, errors.Wrap(err, "record: marshal entry")
	}

	switch opts.Algo {
	case AlgoNone:
		return append([]byte{byte(AlgoNone)}, body...), nil
	case AlgoZlib:
		level := opts.ZlibLevel
		if level == 0 {
			level = DefaultZlibLevel
		}
		var buf bytes.Buffer
		buf.WriteByte(byte(AlgoZlib))
		zw, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, errors.Wrap(err, "record: init zlib writer")
		}
		if _, err := zw.Write(body); err != nil {
			return nil, errors.Wrap(err, "record: compress entry")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "record: flush zlib writer")
		}
		return buf.Bytes(), nil
	default:
		return nil, &FormatError{Reason: "unsupported compression algo on encode"}
	}
}

// Decode parses the envelope payload back into a LogEntry and verifies its
// checksum. Returns *ChecksumError or *FormatError on failure.
func Decode(payload []byte) (LogEntry, error) {
	if len(payload) < 1 {
		return LogEntry{}, &FormatError{Reason: "empty payload"}
	}
	algo := Algo(payload[0])
	body := payload[1:]

	switch algo {
	case AlgoNone:
		// body as-is
	case AlgoZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return LogEntry{}, &FormatError{Reason: "invalid zlib stream: " + err.Error()}
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return LogEntry{}, &FormatError{Reason: "zlib decompress failed: " + err.Error()}
		}
		body = decompressed
	default:
		return LogEntry{}, &FormatError{Reason: "unknown compression algo"}
	}

	var w wireEntry
	if err := json.Unmarshal(body, &w); err != nil {
		return LogEntry{}, &FormatError{Reason: "invalid json: " + err.Error()}
	}
	if w.FormatVersion != FormatVersion {
		return LogEntry{}, &FormatError{Reason: "unsupported format version"}
	}
	if w.Key == "" {
		return LogEntry{}, &FormatError{Reason: "missing key"}
	}

	var op OpType
	switch w.OpType {
	case int(OpPut):
		op = OpPut
	case int(OpDelete):
		op = OpDelete
	default:
		return LogEntry{}, &FormatError{Reason: "unknown op_type"}
	}

	entry := LogEntry{
		SeqNum:        w.SeqNum,
		Op:            op,
		Key:           w.Key,
		Value:         w.Value,
		Timestamp:     w.Timestamp,
		Checksum:      w.Checksum,
		FormatVersion: w.FormatVersion,
	}

	got := checksum(entry)
	if got != entry.Checksum {
		return LogEntry{}, &ChecksumError{Want: entry.Checksum, Got: got}
	}
	return entry, nil
}
