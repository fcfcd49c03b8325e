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

package record

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/kvwald/internal/value"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, opts := range []Options{
		{Algo: AlgoNone},
		{Algo: AlgoZlib, ZlibLevel: DefaultZlibLevel},
	} {
		entry := NewEntry(1, OpPut, "key1", value.String("value1"))

		payload, err := Encode(entry, opts)
		require.NoError(t, err)

		got, err := Decode(payload)
		require.NoError(t, err)
		require.Equal(t, entry.SeqNum, got.SeqNum)
		require.Equal(t, entry.Op, got.Op)
		require.Equal(t, entry.Key, got.Key)
		require.True(t, value.Equal(entry.Value, got.Value))
		require.Equal(t, entry.Checksum, got.Checksum)
	}
}

func TestDecodeDetectsChecksumMismatch(t *testing.T) {
	entry := NewEntry(1, OpPut, "key1", value.Int(7))
	payload, err := Encode(entry, Options{Algo: AlgoNone})
	require.NoError(t, err)

	// Flip a letter inside the "key1" string: XORing with 0x20 toggles its
	// ASCII case, so the byte stays a plain, unescaped letter and the JSON
	// remains syntactically valid. The stored checksum, computed over the
	// original key, then disagrees with the one recomputed on decode.
	idx := bytes.Index(payload, []byte(`"key1"`))
	require.NotEqual(t, -1, idx, "expected to find the key field in the encoded payload")
	corrupt := append([]byte{}, payload...)
	corrupt[idx+1] ^= 0x20

	_, err = Decode(corrupt)
	require.Error(t, err)
	var checksumErr *ChecksumError
	require.ErrorAs(t, err, &checksumErr)
}

func TestDecodeRejectsEmptyKey(t *testing.T) {
	entry := NewEntry(1, OpDelete, "", value.Null())
	payload, err := Encode(entry, Options{Algo: AlgoNone})
	require.NoError(t, err)

	_, err = Decode(payload)
	require.Error(t, err)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestDecodeRejectsUnknownOpType(t *testing.T) {
	body := []byte(`{"seq_num":1,"op_type":9,"key":"k","value":null,"timestamp":0,"checksum":0,"format_version":1}`)
	payload := append([]byte{byte(AlgoNone)}, body...)

	_, err := Decode(payload)
	require.Error(t, err)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownAlgo(t *testing.T) {
	_, err := Decode([]byte{0xFF, 'x'})
	require.Error(t, err)
}

func TestOpTypeString(t *testing.T) {
	require.Equal(t, "PUT", OpPut.String())
	require.Equal(t, "DELETE", OpDelete.String())
	require.Equal(t, "UNKNOWN", OpType(99).String())
}
