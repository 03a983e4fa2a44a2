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

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	st := PersistedStatus{
		CurrentTerm:    17,
		VotedFor:       3,
		CommitIndex:    99,
		CommitIndexPos: 123456,
	}
	record := encodeStatusFile(st)
	require.Len(t, record, statusFileLength)
	require.NoError(t, os.WriteFile(path, record, 0o644))

	got, err := LoadStatusFile(path)
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestStatusFileMissingIsZero(t *testing.T) {
	got, err := LoadStatusFile(filepath.Join(t.TempDir(), "status"))
	require.NoError(t, err)
	require.Equal(t, PersistedStatus{}, got)
}

func TestStatusFileBadLengthFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))
	_, err := LoadStatusFile(path)
	require.Error(t, err)
}

func TestStatusFileBadCrcFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	record := encodeStatusFile(PersistedStatus{CurrentTerm: 5, VotedFor: 1})
	record[statusContentStart+2] ^= 0x01
	require.NoError(t, os.WriteFile(path, record, 0o644))
	_, err := LoadStatusFile(path)
	require.Error(t, err)
}

func TestStatusFileLayout(t *testing.T) {
	record := encodeStatusFile(PersistedStatus{CurrentTerm: 1, VotedFor: 2})
	// 8 hex crc digits, then CRLF, then properties
	require.Equal(t, byte('\r'), record[statusCrcHexLength])
	require.Equal(t, byte('\n'), record[statusCrcHexLength+1])
	for _, c := range record[:statusCrcHexLength] {
		require.Contains(t, "0123456789abcdef", string(c))
	}
	require.Contains(t, string(record), "currentTerm=1\n")
	require.Contains(t, string(record), "votedFor=2\n")
}
