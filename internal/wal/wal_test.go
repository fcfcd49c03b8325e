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

package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/kvwald/internal/record"
	"github.com/prometheus/kvwald/internal/value"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultOptions())
	require.NoError(t, err)

	seq1, err := w.Append(record.OpPut, "a", value.Int(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := w.Append(record.OpPut, "b", value.String("x"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	seq3, err := w.Append(record.OpDelete, "a", value.Null())
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq3)
	require.NoError(t, w.Close())

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].Key)
	require.Equal(t, "b", entries[1].Key)
	require.Equal(t, record.OpDelete, entries[2].Op)
}

func TestRotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SegmentSize = 1 // force rotation after every append

	w, err := Open(dir, opts)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Append(record.OpPut, "k", value.Int(int64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	segs, err := w.listSegments()
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 5)
}

func TestOpenResumesSeqNumFromExistingSegments(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	_, err = w1.Append(record.OpPut, "a", value.Int(1))
	require.NoError(t, err)
	_, err = w1.Append(record.OpPut, "b", value.Int(2))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, uint64(2), w2.SeqNum())

	seq, err := w2.Append(record.OpPut, "c", value.Int(3))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

func TestDeleteOldSegmentsRespectsFreshness(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SegmentSize = 1

	w, err := Open(dir, opts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(record.OpPut, "k", value.Int(int64(i)))
		require.NoError(t, err)
	}

	segsBefore, err := w.listSegments()
	require.NoError(t, err)
	require.Greater(t, len(segsBefore), 1)
	activeSeg := segsBefore[len(segsBefore)-1]

	// Stale snapshot seq_num: no deletion should happen.
	require.NoError(t, w.DeleteOldSegments(w.SeqNum(), w.SeqNum()-1))
	segsAfter, err := w.listSegments()
	require.NoError(t, err)
	require.Equal(t, segsBefore, segsAfter)

	// Fresh snapshot seq_num, low-water mark at the active segment's own
	// name: older, fully-superseded segments go away, the active one (still
	// open for writing) does not.
	require.NoError(t, w.DeleteOldSegments(activeSeg, w.SeqNum()))
	segsFinal, err := w.listSegments()
	require.NoError(t, err)
	require.Less(t, len(segsFinal), len(segsBefore))
	for _, seq := range segsFinal {
		require.GreaterOrEqual(t, seq, activeSeg)
	}
}

func TestReadAllTreatsTornTailOnLastSegmentAsEndOfLog(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	_, err = w.Append(record.OpPut, "a", value.Int(1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segs, err := w.listSegments()
	require.NoError(t, err)
	require.Len(t, segs, 1)

	path := w.segmentPath(segs[0])
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00, 0x10, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCheckpointLeavesSeqNumUnchanged(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	_, err = w.Append(record.OpPut, "a", value.Int(1))
	require.NoError(t, err)
	_, err = w.Append(record.OpPut, "b", value.Int(2))
	require.NoError(t, err)

	before := w.SeqNum()
	require.NoError(t, w.Checkpoint(before))
	require.Equal(t, before, w.SeqNum())

	// The old segment, fully covered by the checkpoint, is gone; the new
	// active segment is named at the (unchanged) current seq_num.
	segs, err := w.listSegments()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, before, segs[0])

	_, err = w.Append(record.OpPut, "c", value.Int(3))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c", entries[0].Key)
}

func TestRecoveryFailsWithChecksumErrorOnCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.RecordOptions = record.Options{Algo: record.AlgoNone}

	w, err := Open(dir, opts)
	require.NoError(t, err)
	_, err = w.Append(record.OpPut, "corruptme", value.Int(1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segs, err := w.listSegments()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	path := w.segmentPath(segs[0])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(data, []byte(`"key":"corruptme"`))
	require.NotEqual(t, -1, idx, "expected to find the key field on disk")
	data[idx+7] ^= 0x20 // toggle the case of 'c' in "corruptme", valid JSON either way
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(dir, opts)
	require.Error(t, err)
	var checksumErr *record.ChecksumError
	require.ErrorAs(t, err, &checksumErr)
}

func TestSegmentNameIsZeroPaddedForLexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	name := w.segmentName(42)
	require.Equal(t, filepath.Join(dir, name), w.segmentPath(42))
	require.Regexp(t, `^0{18}42\.log$`, name)
}
