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

package compactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingStore struct {
	calls int64
}

func (s *countingStore) CompactOnce() error {
	atomic.AddInt64(&s.calls, 1)
	return nil
}

func TestRunTicksUntilStopped(t *testing.T) {
	st := &countingStore{}
	c := New(st, 5*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&st.calls) >= 2
	}, time.Second, 5*time.Millisecond)

	c.Stop(nil)
	require.NoError(t, <-done)
}

func TestNewFallsBackToDefaultInterval(t *testing.T) {
	c := New(&countingStore{}, 0, nil)
	require.Equal(t, DefaultInterval, c.interval)
}
