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

// Package walfile implements the append-only segment file: a stream of
// length-prefixed records written to a single file, fsynced on every
// append, and read back as an ordered stream of payloads.
//
// It knows nothing about LogEntry or checksums; the record package owns
// the payload format. walfile only owns the [len:uint32][payload] framing
// and durability.
package walfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/pkg/errors"
)

const lenPrefixSize = 4

// TornRecordError reports that the final record of a segment was
// incomplete — a truncated length prefix or a truncated body. Per spec
// this is tolerated for the last segment's tail and fatal elsewhere.
type TornRecordError struct {
	// Offset is the byte offset at which the torn record begins.
	Offset int64
}

func (e *TornRecordError) Error() string {
	return fmt.Sprintf("walfile: torn record at offset %d", e.Offset)
}

// Writer appends length-prefixed records to one file.
type Writer struct {
	f  *os.File
	bw *bufio.Writer
}

// OpenWriter opens path for appending, creating it if necessary.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "walfile: open %q for append", path)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f)}, nil
}

// Append writes payload framed as [len:uint32 big-endian][payload], then
// flushes and fsyncs the file. The record is durable once Append returns
// without error.
func (w *Writer) Append(payload []byte) error {
	var lenBuf [lenPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "walfile: write length prefix")
	}
	if _, err := w.bw.Write(payload); err != nil {
		return errors.Wrap(err, "walfile: write payload")
	}
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "walfile: flush")
	}
	if err := fileutil.Fdatasync(w.f); err != nil {
		return errors.Wrap(err, "walfile: fsync")
	}
	return nil
}

// Offset returns the writer's current file position.
func (w *Writer) Offset() (int64, error) {
	return w.f.Seek(0, io.SeekCurrent)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "walfile: flush on close")
	}
	return w.f.Close()
}

// Reader streams records back out of a segment file.
type Reader struct {
	f   *os.File
	br  *bufio.Reader
	off int64
}

// OpenReader opens path read-only.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "walfile: open %q for read", path)
	}
	return &Reader{f: f, br: bufio.NewReader(f)}, nil
}

// Next returns the next record payload. It returns io.EOF when the segment
// is cleanly exhausted, or *TornRecordError when the final record is
// incomplete (a truncated length prefix or body) — per spec, the caller
// decides whether that is tolerable (last segment) or fatal (any other).
func (r *Reader) Next() ([]byte, error) {
	startOff := r.off

	var lenBuf [lenPrefixSize]byte
	n, err := io.ReadFull(r.br, lenBuf[:])
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, &TornRecordError{Offset: startOff}
	}
	r.off += int64(n)

	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	n, err = io.ReadFull(r.br, payload)
	r.off += int64(n)
	if err != nil {
		return nil, &TornRecordError{Offset: startOff}
	}

	return payload, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
