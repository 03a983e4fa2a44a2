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

package raftpb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVoteReqRoundTrip(t *testing.T) {
	in := &VoteReq{
		GroupID:      7,
		Term:         42,
		CandidateID:  3,
		LastLogIndex: 123456789,
		LastLogTerm:  41,
		PreVote:      true,
	}
	var out VoteReq
	require.NoError(t, UnmarshalVoteReq(MarshalVoteReq(nil, in), &out))
	require.Equal(t, *in, out)
}

func TestAppendEntriesReqRoundTrip(t *testing.T) {
	in := &AppendEntriesReq{
		GroupID:      1,
		Term:         5,
		LeaderID:     2,
		PrevLogIndex: 99,
		PrevLogTerm:  4,
		LeaderCommit: 97,
		Entries: []*LogItem{
			{
				Index:       100,
				Term:        5,
				PrevLogTerm: 4,
				Type:        ItemTypeNormal,
				BizType:     7,
				Timestamp:   1700000000000,
				Header:      []byte("hdr"),
				Body:        []byte("the payload"),
			},
			{Index: 101, Term: 5, PrevLogTerm: 5, Type: ItemTypeNoOp},
		},
	}
	var out AppendEntriesReq
	require.NoError(t, UnmarshalAppendEntriesReq(MarshalAppendEntriesReq(nil, in), &out))
	require.Equal(t, len(in.Entries), len(out.Entries))
	for i := range in.Entries {
		require.Equal(t, *in.Entries[i], *out.Entries[i], "entry %d", i)
	}
	out.Entries, in.Entries = nil, nil
	require.Equal(t, *in, out)
}

func TestInstallSnapshotReqRoundTrip(t *testing.T) {
	in := &InstallSnapshotReq{
		GroupID:           9,
		Term:              8,
		LeaderID:          1,
		LastIncludedIndex: 1 << 40,
		LastIncludedTerm:  7,
		Offset:            1 << 33,
		Data:              []byte{0x00, 0xff, 0x42},
		Done:              true,
	}
	var out InstallSnapshotReq
	require.NoError(t, UnmarshalInstallSnapshotReq(MarshalInstallSnapshotReq(nil, in), &out))
	require.Equal(t, *in, out)
}

func TestRaftPingRoundTrip(t *testing.T) {
	in := &RaftPing{
		GroupID:     3,
		NodeID:      2,
		UUIDHigh:    0xdeadbeefcafebabe,
		UUIDLow:     0x0123456789abcdef,
		MemberIDs:   []uint32{1, 2, 3},
		ObserverIDs: []uint32{9},
	}
	var out RaftPing
	require.NoError(t, UnmarshalRaftPing(MarshalRaftPing(nil, in), &out))
	require.Equal(t, *in, out)
}

func TestConfigChangeRoundTrip(t *testing.T) {
	in := &ConfigChange{
		Stage:       ConfigChangePrepare,
		MemberIDs:   []uint32{1, 2, 3, 4, 5},
		ObserverIDs: []uint32{6},
	}
	var out ConfigChange
	require.NoError(t, UnmarshalConfigChange(MarshalConfigChange(nil, in), &out))
	require.Equal(t, *in, out)
}

func TestUnmarshalTruncatedFails(t *testing.T) {
	b := MarshalAppendEntriesReq(nil, &AppendEntriesReq{
		Term: 1, Entries: []*LogItem{{Index: 1, Term: 1, Body: []byte("xx")}},
	})
	var out AppendEntriesReq
	require.Error(t, UnmarshalAppendEntriesReq(b[:len(b)-1], &out))
}
