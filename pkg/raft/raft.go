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

// Package raft implements a multi-group raft consensus engine on the fiber
// runtime: leader election with pre-vote, log replication, durable
// persistence through the segmented log store, joint-consensus membership
// changes and deterministic apply of committed entries.
package raft

import (
	"github.com/azhsmesos/dongting/pkg/fiber"
)

// RaftRole is the node's role within one group.
type RaftRole int8

const (
	RoleFollower RaftRole = iota
	RoleCandidate
	RoleLeader
)

func (r RaftRole) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RaftStatus is the authoritative mutable state of one group, owned by the
// group's dispatcher. Invariants: commitIndex >= lastApplied,
// lastLogIndex >= commitIndex, currentTerm persisted before any outgoing
// vote or term-raising reply, votedFor is 0 or a member.
type RaftStatus struct {
	groupID uint32
	nodeID  uint32

	currentTerm uint32
	votedFor    uint32
	role        RaftRole
	leaderID    uint32

	commitIndex    uint64
	commitIndexPos int64
	lastApplied    uint64
	lastLogIndex   uint64 // durable on stable storage
	lastLogTerm    uint32

	lastElectTime     int64
	electTimeoutNanos int64
	// leaseStartNanos is the nanotime of the vote round that elected this
	// leader; quorum confirmations move it forward.
	leaseStartNanos int64

	members           []*RaftMember
	observers         []*RaftMember
	preparedMembers   []*RaftMember
	preparedObservers []*RaftMember

	electQuorum int

	tailCache *TailCache
	termCache *TermCache

	ts *fiber.Timestamp

	// applyCond wakes the apply manager after commitIndex advanced;
	// replCond wakes replication fibers after new entries or commit;
	// logSyncedCond fires when lastLogIndex advanced durably.
	applyCond     *fiber.Condition
	replCond      *fiber.Condition
	logSyncedCond *fiber.Condition
}

func newRaftStatus(groupID, nodeID uint32, g *fiber.Group, ts *fiber.Timestamp) *RaftStatus {
	return &RaftStatus{
		groupID:       groupID,
		nodeID:        nodeID,
		role:          RoleFollower,
		tailCache:     NewTailCache(),
		termCache:     NewTermCache(128),
		ts:            ts,
		applyCond:     g.NewCondition("needApply"),
		replCond:      g.NewCondition("needReplicate"),
		logSyncedCond: g.NewCondition("logSynced"),
	}
}

// CurrentTerm returns the node's term.
func (rs *RaftStatus) CurrentTerm() uint32 { return rs.currentTerm }

// Role returns the node's role in the group.
func (rs *RaftStatus) Role() RaftRole { return rs.role }

// LeaderID returns the known leader, 0 if none.
func (rs *RaftStatus) LeaderID() uint32 { return rs.leaderID }

// CommitIndex returns the current commit index.
func (rs *RaftStatus) CommitIndex() uint64 { return rs.commitIndex }

// LastApplied returns the last index handed to the state machine.
func (rs *RaftStatus) LastApplied() uint64 { return rs.lastApplied }

// LastLogIndex returns the last durably persisted index.
func (rs *RaftStatus) LastLogIndex() uint64 { return rs.lastLogIndex }

// electQuorumOf is the majority size of a set of n voters.
func electQuorumOf(n int) int {
	return n/2 + 1
}

// lastAssignableIndex is where the next submitted entry goes: after every
// pending entry, or after the durable log when nothing is pending.
func (rs *RaftStatus) lastAssignableIndex() uint64 {
	if last := rs.tailCache.LastPending(); last > 0 {
		return last
	}
	return rs.lastLogIndex
}

// termOf resolves the term of index from the tail cache, the durable tail
// or the term cache.
func (rs *RaftStatus) termOf(index uint64) (uint32, bool) {
	if index == 0 {
		return 0, true
	}
	if t := rs.tailCache.Get(index); t != nil && t.item != nil {
		return t.item.Term, true
	}
	if index == rs.lastLogIndex {
		return rs.lastLogTerm, true
	}
	return rs.termCache.Term(index)
}

// resetElectTimer records leader contact, deferring the next election.
func (rs *RaftStatus) resetElectTimer() {
	rs.lastElectTime = rs.ts.NanoTime
}

// descendToFollower makes this node a follower in term. For a term higher
// than the current one, votedFor is cleared and must be persisted by the
// caller before any further vote or reply carrying the new term; within the
// same term the vote already cast is kept.
func (rs *RaftStatus) descendToFollower(term uint32, leaderID uint32) {
	if term > rs.currentTerm {
		rs.votedFor = 0
	}
	rs.currentTerm = term
	rs.leaderID = leaderID
	rs.role = RoleFollower
	rs.resetElectTimer()
}

// changeToLeader installs this node as leader for the current term and
// resets every member's replication cursor.
func (rs *RaftStatus) changeToLeader() {
	rs.role = RoleLeader
	rs.leaderID = rs.nodeID
	next := rs.lastAssignableIndex() + 1
	for _, m := range allMembers(rs.members, rs.preparedMembers, rs.observers, rs.preparedObservers) {
		m.nextIndex = next
		m.matchIndex = 0
	}
}

// updateQuorum recomputes the election quorum after a membership change.
func (rs *RaftStatus) updateQuorum() {
	rs.electQuorum = electQuorumOf(len(rs.members))
}

// quorumMatchIndex returns the highest index replicated on a majority of
// the given voter set. The local node counts with its durable last index.
func (rs *RaftStatus) quorumMatchIndex(voters []*RaftMember) uint64 {
	if len(voters) == 0 {
		return rs.lastLogIndex
	}
	matches := make([]uint64, 0, len(voters))
	for _, m := range voters {
		if m.nodeID == rs.nodeID {
			matches = append(matches, rs.lastLogIndex)
		} else {
			matches = append(matches, m.matchIndex)
		}
	}
	// sort descending; element at quorum-1 is replicated on a majority
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j] > matches[j-1]; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	return matches[electQuorumOf(len(voters))-1]
}

// allMembers concatenates member lists without duplicating node ids.
func allMembers(lists ...[]*RaftMember) []*RaftMember {
	seen := make(map[uint32]struct{})
	var out []*RaftMember
	for _, list := range lists {
		for _, m := range list {
			if _, ok := seen[m.nodeID]; ok {
				continue
			}
			seen[m.nodeID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func memberIDs(list []*RaftMember) []uint32 {
	out := make([]uint32, 0, len(list))
	for _, m := range list {
		out = append(out, m.nodeID)
	}
	return out
}

func findMember(list []*RaftMember, nodeID uint32) *RaftMember {
	for _, m := range list {
		if m.nodeID == nodeID {
			return m
		}
	}
	return nil
}

// validCandidate reports whether nodeID may receive this node's vote: a
// current member, or a prepared member during joint consensus.
func (rs *RaftStatus) validCandidate(nodeID uint32) bool {
	return findMember(rs.members, nodeID) != nil || findMember(rs.preparedMembers, nodeID) != nil
}

// isSelfVoter reports whether this node votes in the current configuration.
func (rs *RaftStatus) isSelfVoter() bool {
	return rs.validCandidate(rs.nodeID)
}
