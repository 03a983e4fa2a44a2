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
	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Request processors. The transport delivers decoded requests from any
// goroutine; each is processed on the group dispatcher (votes and snapshot
// chunks in a fired fiber, appends by a single consumer fiber, pings
// directly) and answered through the reply callback, also on the dispatcher.

// ProcessVote handles pre-vote and vote requests.
func (gc *GroupComponents) ProcessVote(req *raftpb.VoteReq, reply func(*raftpb.VoteResp)) {
	gc.group.Dispatcher().Submit(func() {
		gc.group.FireFiber("voteProcessor", fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
			return gc.processVote(req, reply)
		}))
	})
}

func (gc *GroupComponents) processVote(req *raftpb.VoteReq, reply func(*raftpb.VoteResp)) (fiber.FrameCallResult, error) {
	rs := gc.rs
	resp := &raftpb.VoteResp{}
	if !rs.validCandidate(req.CandidateID) {
		gc.logger.Warn("vote request from unknown member",
			zap.Uint32("candidate", req.CandidateID), zap.Uint32("group", req.GroupID))
		resp.Term = rs.currentTerm
		reply(resp)
		return fiber.FrameReturn, nil
	}
	localTerm := rs.currentTerm
	if req.PreVote {
		resp.VoteGranted = gc.shouldGrant(req, localTerm)
		resp.Term = rs.currentTerm
		gc.logger.Info("pre-vote request processed",
			zap.Bool("granted", resp.VoteGranted),
			zap.Uint32("reqTerm", req.Term), zap.Uint32("localTerm", localTerm))
		reply(resp)
		return fiber.FrameReturn, nil
	}

	rs.resetElectTimer()
	needPersist := false
	if req.Term > localTerm {
		rs.descendToFollower(req.Term, 0)
		gc.voteManager.cancelVote()
		needPersist = true
	}
	if gc.shouldGrant(req, localTerm) {
		rs.votedFor = req.CandidateID
		resp.VoteGranted = true
		needPersist = true
		gc.metrics.VotesGranted.Inc()
	}
	gc.logger.Info("vote request processed",
		zap.Bool("granted", resp.VoteGranted),
		zap.Uint32("reqTerm", req.Term), zap.Uint32("localTerm", localTerm))
	if !needPersist {
		resp.Term = rs.currentTerm
		reply(resp)
		return fiber.FrameReturn, nil
	}
	// a vote must be durable before it is published
	version := gc.persistStatusAsync()
	fb := gc.group.CurrentFiber()
	return fb.Call(gc.statusManager.WaitForceFrame(version), func(any) (fiber.FrameCallResult, error) {
		resp.Term = rs.currentTerm
		reply(resp)
		return fiber.FrameReturn, nil
	})
}

// shouldGrant applies the vote predicate: term not behind, no conflicting
// vote this term, candidate log at least as up to date.
func (gc *GroupComponents) shouldGrant(req *raftpb.VoteReq, localTerm uint32) bool {
	rs := gc.rs
	if req.Term < localTerm {
		return false
	}
	if !req.PreVote && rs.votedFor != 0 && rs.votedFor != req.CandidateID {
		return false
	}
	if req.LastLogTerm != rs.lastLogTerm {
		return req.LastLogTerm > rs.lastLogTerm
	}
	return req.LastLogIndex >= rs.lastLogIndex
}

type appendRequest struct {
	req   *raftpb.AppendEntriesReq
	reply func(*raftpb.AppendEntriesResp)
}

// ProcessAppendEntries handles replication and heartbeats. Requests go
// through a channel to a single consumer fiber, so overlapping appends
// from a pipelining leader are processed strictly in arrival order.
func (gc *GroupComponents) ProcessAppendEntries(req *raftpb.AppendEntriesReq, reply func(*raftpb.AppendEntriesResp)) {
	gc.appendChan.FireOffer(appendRequest{req: req, reply: reply})
}

func (gc *GroupComponents) appendConsumerLoop(any) (fiber.FrameCallResult, error) {
	fb := gc.group.CurrentFiber()
	if gc.group.IsShouldStop() {
		return fb.Return(nil)
	}
	return gc.appendChan.Take(fb, func(v any) (fiber.FrameCallResult, error) {
		ar := v.(appendRequest)
		one := fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
			return gc.processAppendEntries(ar.req, ar.reply)
		}).OnError(func(cause error) (fiber.FrameCallResult, error) {
			// a broken append is a log-integrity failure, not a protocol
			// reject; the group cannot continue
			gc.logger.Error("append processing failed", zap.Error(cause))
			gc.group.RequestShutdown()
			return fiber.FrameReturn, nil
		})
		return fb.Call(one, gc.appendConsumerLoop)
	})
}

func (gc *GroupComponents) processAppendEntries(req *raftpb.AppendEntriesReq,
	reply func(*raftpb.AppendEntriesResp)) (fiber.FrameCallResult, error) {
	rs := gc.rs
	if req.Term < rs.currentTerm {
		reply(&raftpb.AppendEntriesResp{Term: rs.currentTerm})
		return fiber.FrameReturn, nil
	}

	needPersist := false
	if req.Term > rs.currentTerm {
		rs.descendToFollower(req.Term, req.LeaderID)
		gc.voteManager.cancelVote()
		needPersist = true
	} else if rs.role != RoleFollower {
		if rs.role == RoleLeader {
			gc.logger.Error("second leader in same term, stepping down",
				zap.Uint32("term", req.Term), zap.Uint32("remoteLeader", req.LeaderID))
		}
		rs.descendToFollower(req.Term, req.LeaderID)
		gc.voteManager.cancelVote()
	}
	if rs.leaderID != req.LeaderID {
		rs.leaderID = req.LeaderID
		gc.metrics.LeaderChanges.Inc()
	}
	rs.resetElectTimer()

	fb := gc.group.CurrentFiber()
	cont := func(any) (fiber.FrameCallResult, error) {
		return gc.appendAfterTermCheck(req, reply)
	}
	if needPersist {
		version := gc.persistStatusAsync()
		return fb.Call(gc.statusManager.WaitForceFrame(version), cont)
	}
	return cont(nil)
}

func (gc *GroupComponents) appendAfterTermCheck(req *raftpb.AppendEntriesReq,
	reply func(*raftpb.AppendEntriesResp)) (fiber.FrameCallResult, error) {
	rs := gc.rs
	lastAssignable := rs.lastAssignableIndex()

	if req.PrevLogIndex > lastAssignable {
		reply(&raftpb.AppendEntriesResp{
			Term:             rs.currentTerm,
			SuggestNextIndex: lastAssignable + 1,
		})
		return fiber.FrameReturn, nil
	}
	if req.PrevLogIndex > rs.commitIndex {
		prevTerm, known := rs.termOf(req.PrevLogIndex)
		if !known {
			reply(&raftpb.AppendEntriesResp{
				Term:             rs.currentTerm,
				SuggestNextIndex: rs.commitIndex + 1,
			})
			return fiber.FrameReturn, nil
		}
		if prevTerm != req.PrevLogTerm {
			// conflict hint: where the conflicting term starts
			suggest := req.PrevLogIndex
			if first, ok := rs.termCache.FirstIndexOfTerm(prevTerm); ok {
				suggest = first
			}
			reply(&raftpb.AppendEntriesResp{
				Term:             rs.currentTerm,
				SuggestNextIndex: suggest,
				SuggestTerm:      prevTerm,
			})
			return fiber.FrameReturn, nil
		}
	}
	// PrevLogIndex at or below commitIndex matches by leader completeness.

	// find the first entry diverging from what we hold; committed entries
	// match by leader completeness
	conflict := false
	for _, e := range req.Entries {
		if e.Index > rs.lastAssignableIndex() {
			break
		}
		if e.Index <= rs.commitIndex {
			continue
		}
		existing, known := rs.termOf(e.Index)
		if !known || existing != e.Term {
			conflict = true
			break
		}
	}
	if conflict {
		// drain in-flight writes before touching the suffix: truncation
		// must not race the append pipeline
		fb := gc.group.CurrentFiber()
		return fb.Call(gc.logStore.WaitWriteFinishFrame(), func(any) (fiber.FrameCallResult, error) {
			return gc.appendEntries(req, reply)
		})
	}
	return gc.appendEntries(req, reply)
}

func (gc *GroupComponents) appendEntries(req *raftpb.AppendEntriesReq,
	reply func(*raftpb.AppendEntriesResp)) (fiber.FrameCallResult, error) {
	rs := gc.rs
	lastNewIndex := req.PrevLogIndex
	appended := false
	for _, e := range req.Entries {
		lastNewIndex = e.Index
		if e.Index <= rs.commitIndex {
			continue
		}
		if e.Index <= rs.lastAssignableIndex() {
			existing, known := rs.termOf(e.Index)
			if known && existing == e.Term {
				continue // duplicate of what we already hold
			}
			if err := gc.truncateConflict(e.Index); err != nil {
				return fiber.FrameReturn, err
			}
		}
		t := &RaftTask{typ: e.Type, item: e}
		if !rs.tailCache.Put(e.Index, t) {
			return fiber.FrameReturn, errors.Newf(
				"tail cache put not contiguous: index=%d", e.Index)
		}
		rs.termCache.Append(e.Index, e.Term)
		gc.metrics.EntriesAppended.Inc()
		appended = true
	}
	if appended {
		gc.logStore.SignalAppend()
	}

	if lc := minU64(req.LeaderCommit, lastNewIndex); lc > rs.commitIndex {
		gc.advanceCommit(lc)
	}

	if lastNewIndex <= rs.lastLogIndex {
		reply(&raftpb.AppendEntriesResp{
			Term:             rs.currentTerm,
			Success:          true,
			SuggestNextIndex: lastNewIndex + 1,
		})
		return fiber.FrameReturn, nil
	}
	// ack only after the new entries are durable
	fb := gc.group.CurrentFiber()
	var waitSynced fiber.FrameCall
	waitSynced = func(any) (fiber.FrameCallResult, error) {
		if gc.group.IsShouldStop() {
			return fiber.FrameReturn, nil
		}
		if rs.lastLogIndex >= lastNewIndex {
			reply(&raftpb.AppendEntriesResp{
				Term:             rs.currentTerm,
				Success:          true,
				SuggestNextIndex: lastNewIndex + 1,
			})
			return fiber.FrameReturn, nil
		}
		return fb.Await(rs.logSyncedCond, waitSynced)
	}
	return waitSynced(nil)
}

// truncateConflict discards the divergent suffix starting at index from the
// tail cache, the term cache and, where already persisted, the log store.
func (gc *GroupComponents) truncateConflict(index uint64) error {
	rs := gc.rs
	gc.logger.Warn("truncating conflicting log suffix", zap.Uint64("index", index))
	rs.tailCache.TruncateTail(index, errors.New("replaced by new leader's entries"))
	rs.termCache.TruncateTail(index)
	if index <= gc.logStore.NextPersistIndex()-1 {
		if err := gc.logStore.TruncateTail(index); err != nil {
			return err
		}
	}
	if rs.lastLogIndex >= index {
		rs.lastLogIndex = index - 1
		if t, ok := rs.termOf(index - 1); ok {
			rs.lastLogTerm = t
		} else {
			rs.lastLogTerm = 0
		}
	}
	return nil
}

// ProcessInstallSnapshot handles the chunked snapshot stream from a leader
// whose log no longer reaches this follower.
func (gc *GroupComponents) ProcessInstallSnapshot(req *raftpb.InstallSnapshotReq, reply func(*raftpb.InstallSnapshotResp)) {
	gc.group.Dispatcher().Submit(func() {
		gc.group.FireFiber("installSnapshotProcessor", fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
			return gc.processInstallSnapshot(req, reply)
		}))
	})
}

func (gc *GroupComponents) processInstallSnapshot(req *raftpb.InstallSnapshotReq,
	reply func(*raftpb.InstallSnapshotResp)) (fiber.FrameCallResult, error) {
	rs := gc.rs
	if req.Term < rs.currentTerm {
		reply(&raftpb.InstallSnapshotResp{Term: rs.currentTerm})
		return fiber.FrameReturn, nil
	}
	if req.Term > rs.currentTerm {
		rs.descendToFollower(req.Term, req.LeaderID)
		gc.voteManager.cancelVote()
		gc.persistStatusAsync()
	}
	rs.leaderID = req.LeaderID
	rs.resetElectTimer()

	if err := gc.stateMachine.InstallSnapshot(req.LastIncludedIndex, req.LastIncludedTerm,
		req.Offset, req.Data, req.Done); err != nil {
		gc.logger.Error("install snapshot failed", zap.Error(err))
		reply(&raftpb.InstallSnapshotResp{Term: rs.currentTerm})
		return fiber.FrameReturn, err
	}
	if req.Done {
		rs.tailCache.TruncateTail(0, errors.New("superseded by snapshot"))
		rs.termCache.Reset(req.LastIncludedIndex, req.LastIncludedTerm)
		rs.commitIndex = req.LastIncludedIndex
		rs.lastApplied = req.LastIncludedIndex
		rs.lastLogIndex = req.LastIncludedIndex
		rs.lastLogTerm = req.LastIncludedTerm
		gc.logStore.ResetAfterSnapshot(req.LastIncludedIndex + 1)
		gc.persistStatusAsync()
		gc.logger.Info("snapshot installed",
			zap.Uint64("lastIncludedIndex", req.LastIncludedIndex),
			zap.Uint32("lastIncludedTerm", req.LastIncludedTerm))
	}
	reply(&raftpb.InstallSnapshotResp{Term: rs.currentTerm, Success: true})
	return fiber.FrameReturn, nil
}

// ProcessRaftPing answers the membership handshake with this node's view.
func (gc *GroupComponents) ProcessRaftPing(req *raftpb.RaftPing, reply func(*raftpb.RaftPing)) {
	gc.group.Dispatcher().Submit(func() {
		rs := gc.rs
		reply(&raftpb.RaftPing{
			GroupID:     rs.groupID,
			NodeID:      gc.serverConfig.NodeID,
			UUIDHigh:    gc.memberManager.uuidHigh,
			UUIDLow:     gc.memberManager.uuidLow,
			MemberIDs:   memberIDs(rs.members),
			ObserverIDs: memberIDs(rs.observers),
		})
	})
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
