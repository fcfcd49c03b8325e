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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/kvwald/internal/record"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kvwald.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/kvwald-data\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/kvwald-data", cfg.DataDir)
	require.Equal(t, Default().SegmentSize, cfg.SegmentSize)
	require.Equal(t, Default().Compression, cfg.Compression)
	require.Equal(t, Default().CompactorIntervalSeconds, cfg.CompactorIntervalSeconds)
}

func TestLoadRequiresDataDir(t *testing.T) {
	path := writeConfig(t, "segment_size: 1024\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestRecordOptionsTranslatesCompressionType(t *testing.T) {
	cfg := Default()
	cfg.Compression.Type = "NONE"
	require.Equal(t, record.AlgoNone, cfg.RecordOptions().Algo)

	cfg.Compression.Type = "ZLIB"
	require.Equal(t, record.AlgoZlib, cfg.RecordOptions().Algo)
}

func TestCompactorIntervalConversion(t *testing.T) {
	cfg := Config{CompactorIntervalSeconds: 30}
	require.Equal(t, 30e9, float64(cfg.CompactorInterval()))
}
