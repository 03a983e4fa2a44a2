// Copyright The Dongting Project
//
// The Dongting Project licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTermCacheFlipPoints(t *testing.T) {
	tc := NewTermCache(8)
	for i := uint64(1); i <= 5; i++ {
		tc.Append(i, 1)
	}
	for i := uint64(6); i <= 9; i++ {
		tc.Append(i, 3)
	}

	for i := uint64(1); i <= 5; i++ {
		term, ok := tc.Term(i)
		require.True(t, ok)
		require.Equal(t, uint32(1), term)
	}
	for i := uint64(6); i <= 9; i++ {
		term, ok := tc.Term(i)
		require.True(t, ok)
		require.Equal(t, uint32(3), term)
	}
	_, ok := tc.Term(10)
	require.False(t, ok)

	first, ok := tc.FirstIndexOfTerm(3)
	require.True(t, ok)
	require.Equal(t, uint64(6), first)
}

func TestTermCacheTruncateTail(t *testing.T) {
	tc := NewTermCache(8)
	tc.Append(1, 1)
	tc.Append(2, 1)
	tc.Append(3, 2)
	tc.Append(4, 2)

	tc.TruncateTail(3)
	_, ok := tc.Term(3)
	require.False(t, ok)
	term, ok := tc.Term(2)
	require.True(t, ok)
	require.Equal(t, uint32(1), term)

	// a different term may now occupy the truncated range
	tc.Append(3, 5)
	term, ok = tc.Term(3)
	require.True(t, ok)
	require.Equal(t, uint32(5), term)
}

func TestTermCacheBounded(t *testing.T) {
	tc := NewTermCache(2)
	tc.Append(1, 1)
	tc.Append(2, 2)
	tc.Append(3, 3)
	// the oldest flip was evicted
	_, ok := tc.Term(1)
	require.False(t, ok)
	term, ok := tc.Term(3)
	require.True(t, ok)
	require.Equal(t, uint32(3), term)
}

func TestTailCacheContiguity(t *testing.T) {
	c := NewTailCache()
	require.True(t, c.Put(5, &RaftTask{}))
	require.True(t, c.Put(6, &RaftTask{}))
	require.False(t, c.Put(8, &RaftTask{}), "gap must be rejected")
	require.Equal(t, uint64(5), c.FirstPending())
	require.Equal(t, uint64(6), c.LastPending())
	require.NotNil(t, c.Get(5))
	require.Nil(t, c.Get(7))
}

func TestTailCacheTruncateAndRelease(t *testing.T) {
	c := NewTailCache()
	for i := uint64(1); i <= 5; i++ {
		require.True(t, c.Put(i, &RaftTask{}))
	}
	c.TruncateTail(4, ErrNotLeader)
	require.Equal(t, uint64(3), c.LastPending())

	c.ReleaseTo(2)
	require.Equal(t, uint64(3), c.FirstPending())
	require.Equal(t, uint64(3), c.LastPending())
	c.ReleaseTo(3)
	require.Zero(t, c.FirstPending())
	require.Equal(t, 0, c.Size())
}
