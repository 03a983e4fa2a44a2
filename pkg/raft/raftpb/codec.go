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
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format is plain protobuf framing: varint tags, varint scalars,
// fixed64 for byte positions and snapshot offsets, length-delimited bytes
// and sub-messages. Field numbers are part of the protocol and never reused.

var errTruncated = errors.New("truncated message")

// MarshalVoteReq appends the encoded request to b.
func MarshalVoteReq(b []byte, m *VoteReq) []byte {
	b = appendVarintField(b, 1, uint64(m.GroupID))
	b = appendVarintField(b, 2, uint64(m.Term))
	b = appendVarintField(b, 3, uint64(m.CandidateID))
	b = appendVarintField(b, 4, m.LastLogIndex)
	b = appendVarintField(b, 5, uint64(m.LastLogTerm))
	if m.PreVote {
		b = appendVarintField(b, 6, 1)
	}
	return b
}

// UnmarshalVoteReq decodes b into m.
func UnmarshalVoteReq(b []byte, m *VoteReq) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.GroupID = uint32(v)
		case 2:
			m.Term = uint32(v)
		case 3:
			m.CandidateID = uint32(v)
		case 4:
			m.LastLogIndex = v
		case 5:
			m.LastLogTerm = uint32(v)
		case 6:
			m.PreVote = v != 0
		}
		return nil
	})
}

// MarshalVoteResp appends the encoded response to b.
func MarshalVoteResp(b []byte, m *VoteResp) []byte {
	b = appendVarintField(b, 1, uint64(m.Term))
	if m.VoteGranted {
		b = appendVarintField(b, 2, 1)
	}
	return b
}

// UnmarshalVoteResp decodes b into m.
func UnmarshalVoteResp(b []byte, m *VoteResp) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.Term = uint32(v)
		case 2:
			m.VoteGranted = v != 0
		}
		return nil
	})
}

// MarshalLogItem appends the encoded item to b.
func MarshalLogItem(b []byte, it *LogItem) []byte {
	b = appendVarintField(b, 1, it.Index)
	b = appendVarintField(b, 2, uint64(it.Term))
	b = appendVarintField(b, 3, uint64(it.PrevLogTerm))
	b = appendVarintField(b, 4, uint64(it.Type))
	b = appendVarintField(b, 5, uint64(it.BizType))
	b = appendVarintField(b, 6, uint64(it.Timestamp))
	if len(it.Header) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, it.Header)
	}
	if len(it.Body) > 0 {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, it.Body)
	}
	return b
}

// UnmarshalLogItem decodes b into it.
func UnmarshalLogItem(b []byte, it *LogItem) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			it.Index = v
		case 2:
			it.Term = uint32(v)
		case 3:
			it.PrevLogTerm = uint32(v)
		case 4:
			it.Type = ItemType(v)
		case 5:
			it.BizType = uint16(v)
		case 6:
			it.Timestamp = int64(v)
		case 7:
			it.Header = append([]byte(nil), data...)
		case 8:
			it.Body = append([]byte(nil), data...)
		}
		return nil
	})
}

// MarshalAppendEntriesReq appends the encoded request to b.
func MarshalAppendEntriesReq(b []byte, m *AppendEntriesReq) []byte {
	b = appendVarintField(b, 1, uint64(m.GroupID))
	b = appendVarintField(b, 2, uint64(m.Term))
	b = appendVarintField(b, 3, uint64(m.LeaderID))
	b = appendVarintField(b, 4, m.PrevLogIndex)
	b = appendVarintField(b, 5, uint64(m.PrevLogTerm))
	b = appendVarintField(b, 6, m.LeaderCommit)
	for _, it := range m.Entries {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalLogItem(nil, it))
	}
	return b
}

// UnmarshalAppendEntriesReq decodes b into m.
func UnmarshalAppendEntriesReq(b []byte, m *AppendEntriesReq) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.GroupID = uint32(v)
		case 2:
			m.Term = uint32(v)
		case 3:
			m.LeaderID = uint32(v)
		case 4:
			m.PrevLogIndex = v
		case 5:
			m.PrevLogTerm = uint32(v)
		case 6:
			m.LeaderCommit = v
		case 7:
			it := new(LogItem)
			if err := UnmarshalLogItem(data, it); err != nil {
				return err
			}
			m.Entries = append(m.Entries, it)
		}
		return nil
	})
}

// MarshalAppendEntriesResp appends the encoded response to b.
func MarshalAppendEntriesResp(b []byte, m *AppendEntriesResp) []byte {
	b = appendVarintField(b, 1, uint64(m.Term))
	if m.Success {
		b = appendVarintField(b, 2, 1)
	}
	b = appendVarintField(b, 3, m.SuggestNextIndex)
	b = appendVarintField(b, 4, uint64(m.SuggestTerm))
	return b
}

// UnmarshalAppendEntriesResp decodes b into m.
func UnmarshalAppendEntriesResp(b []byte, m *AppendEntriesResp) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.Term = uint32(v)
		case 2:
			m.Success = v != 0
		case 3:
			m.SuggestNextIndex = v
		case 4:
			m.SuggestTerm = uint32(v)
		}
		return nil
	})
}

// MarshalInstallSnapshotReq appends the encoded request to b. The snapshot
// cursor fields use fixed64 so chunk offsets are byte-addressable without
// varint size drift.
func MarshalInstallSnapshotReq(b []byte, m *InstallSnapshotReq) []byte {
	b = appendVarintField(b, 1, uint64(m.Term))
	b = appendVarintField(b, 2, uint64(m.LeaderID))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.LastIncludedIndex)
	b = appendVarintField(b, 4, uint64(m.LastIncludedTerm))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.Offset)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	if m.Done {
		b = appendVarintField(b, 7, 1)
	}
	b = appendVarintField(b, 8, uint64(m.GroupID))
	return b
}

// UnmarshalInstallSnapshotReq decodes b into m.
func UnmarshalInstallSnapshotReq(b []byte, m *InstallSnapshotReq) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.Term = uint32(v)
		case 2:
			m.LeaderID = uint32(v)
		case 3:
			m.LastIncludedIndex = v
		case 4:
			m.LastIncludedTerm = uint32(v)
		case 5:
			m.Offset = v
		case 6:
			m.Data = append([]byte(nil), data...)
		case 7:
			m.Done = v != 0
		case 8:
			m.GroupID = uint32(v)
		}
		return nil
	})
}

// MarshalRaftPing appends the encoded handshake to b.
func MarshalRaftPing(b []byte, m *RaftPing) []byte {
	b = appendVarintField(b, 1, uint64(m.GroupID))
	b = appendVarintField(b, 2, uint64(m.NodeID))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.UUIDHigh)
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.UUIDLow)
	for _, id := range m.MemberIDs {
		b = appendVarintField(b, 5, uint64(id))
	}
	for _, id := range m.ObserverIDs {
		b = appendVarintField(b, 6, uint64(id))
	}
	return b
}

// UnmarshalRaftPing decodes b into m.
func UnmarshalRaftPing(b []byte, m *RaftPing) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.GroupID = uint32(v)
		case 2:
			m.NodeID = uint32(v)
		case 3:
			m.UUIDHigh = v
		case 4:
			m.UUIDLow = v
		case 5:
			m.MemberIDs = append(m.MemberIDs, uint32(v))
		case 6:
			m.ObserverIDs = append(m.ObserverIDs, uint32(v))
		}
		return nil
	})
}

// MarshalConfigChange appends the encoded membership change to b.
func MarshalConfigChange(b []byte, m *ConfigChange) []byte {
	b = appendVarintField(b, 1, uint64(m.Stage))
	for _, id := range m.MemberIDs {
		b = appendVarintField(b, 2, uint64(id))
	}
	for _, id := range m.ObserverIDs {
		b = appendVarintField(b, 3, uint64(id))
	}
	return b
}

// UnmarshalConfigChange decodes b into m.
func UnmarshalConfigChange(b []byte, m *ConfigChange) error {
	return walkFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.Stage = ConfigChangeStage(v)
		case 2:
			m.MemberIDs = append(m.MemberIDs, uint32(v))
		case 3:
			m.ObserverIDs = append(m.ObserverIDs, uint32(v))
		}
		return nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields iterates the fields of b, handing each to fn: varint and
// fixed32/fixed64 values arrive in v, length-delimited payloads in data.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errTruncated
		}
		b = b[n:]
		var v uint64
		var data []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errTruncated
		}
		if err := fn(num, v, data); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
