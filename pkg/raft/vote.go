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
	"math/rand"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"go.uber.org/zap"
)

// VoteManager drives elections: the timer fiber that notices a silent
// leader, the pre-vote round that probes electability without burning a
// term, and the real vote that installs leadership. Every round carries a
// voteID; responses from a canceled round are dropped by the id check.
type VoteManager struct {
	gc     *GroupComponents
	logger *zap.Logger

	voting        bool
	votes         map[uint32]struct{}
	currentVoteID int
}

func newVoteManager(gc *GroupComponents) *VoteManager {
	return &VoteManager{gc: gc, logger: gc.logger}
}

func (vm *VoteManager) startFiber() {
	interval := time.Duration(150+rand.Intn(150)) * time.Millisecond
	loop := vm.timerLoop(interval)
	fb := fiber.NewDaemonFiber("voteTimer", vm.gc.group, fiber.NewFrame(loop))
	fb.Start()
}

// cancelVote invalidates the in-flight round; late responses check the
// voteID and drop themselves.
func (vm *VoteManager) cancelVote() {
	if vm.voting {
		vm.logger.Info("cancel current voting", zap.Int("voteID", vm.currentVoteID))
		vm.voting = false
		vm.votes = nil
		vm.currentVoteID++
	}
}

func (vm *VoteManager) initStatusForVoting() {
	vm.voting = true
	vm.currentVoteID++
	vm.votes = make(map[uint32]struct{})
}

func (vm *VoteManager) timerLoop(interval time.Duration) fiber.FrameCall {
	var loop fiber.FrameCall
	loop = func(any) (fiber.FrameCallResult, error) {
		gc := vm.gc
		fb := gc.group.CurrentFiber()
		if gc.group.IsShouldStop() {
			return fb.Return(nil)
		}
		rs := gc.rs
		gc.checkLeaderLease()
		timeout := rs.ts.NanoTime-rs.lastElectTime > rs.electTimeoutNanos
		if vm.voting {
			if timeout {
				vm.cancelVote()
			} else {
				return fb.Sleep(interval, loop)
			}
		}
		if !timeout || rs.role == RoleLeader {
			return fb.Sleep(interval, loop)
		}
		// push the elect time forward a second so a failed pre-vote does
		// not retry on every tick
		rs.lastElectTime = rs.ts.NanoTime - rs.electTimeoutNanos + int64(time.Second)
		if vm.writeNotFinished() {
			return fb.Call(vm.waitWriteFinishedFrame(), loop)
		}
		vm.tryStartPreVote()
		return fb.Sleep(interval, loop)
	}
	return loop
}

// writeNotFinished reports pending entries not yet durable; a candidate
// must not advertise a lastLogIndex it could still lose.
func (vm *VoteManager) writeNotFinished() bool {
	rs := vm.gc.rs
	last := rs.tailCache.LastPending()
	return last > 0 && rs.lastLogIndex < last
}

func (vm *VoteManager) waitWriteFinishedFrame() *fiber.Frame {
	var fr *fiber.Frame
	var body fiber.FrameCall
	body = func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		if fb.Group().IsShouldStop() || !vm.writeNotFinished() {
			return fb.Return(nil)
		}
		return fb.Await(vm.gc.rs.logSyncedCond, body)
	}
	fr = fiber.NewFrame(body)
	return fr
}

func (vm *VoteManager) readyNodesNotEnough(preVote bool) bool {
	rs := vm.gc.rs
	if vm.listNotEnough(rs.members, preVote, false) {
		return true
	}
	return vm.listNotEnough(rs.preparedMembers, preVote, true)
}

func (vm *VoteManager) listNotEnough(list []*RaftMember, preVote, joint bool) bool {
	if len(list) == 0 {
		return false
	}
	if n := readyCount(list); n < electQuorumOf(len(list)) {
		vm.logger.Warn("not enough ready nodes to start voting",
			zap.Bool("preVote", preVote), zap.Bool("jointConsensus", joint),
			zap.Int("ready", n), zap.Uint32("term", vm.gc.rs.currentTerm))
		return true
	}
	return false
}

func (vm *VoteManager) tryStartPreVote() {
	gc := vm.gc
	rs := gc.rs
	if !rs.validCandidate(gc.serverConfig.NodeID) {
		vm.logger.Info("not a valid candidate, skip pre-vote", zap.Uint32("term", rs.currentTerm))
		return
	}
	if vm.readyNodesNotEnough(true) {
		return
	}
	rs.resetElectTimer()
	voters := allMembers(rs.members, rs.preparedMembers)
	vm.initStatusForVoting()
	gc.metrics.ElectionsStarted.Inc()
	vm.logger.Info("start pre-vote",
		zap.Uint32("term", rs.currentTerm), zap.Int("voteID", vm.currentVoteID),
		zap.Uint64("lastLogIndex", rs.lastLogIndex))
	for _, m := range voters {
		if m.ready {
			vm.sendRequest(m, true, 0)
		}
	}
}

func (vm *VoteManager) sendRequest(m *RaftMember, preVote bool, leaseStartTime int64) {
	gc := vm.gc
	rs := gc.rs
	term := rs.currentTerm
	req := &raftpb.VoteReq{
		GroupID:      rs.groupID,
		Term:         term,
		CandidateID:  gc.serverConfig.NodeID,
		LastLogIndex: rs.lastLogIndex,
		LastLogTerm:  rs.lastLogTerm,
		PreVote:      preVote,
	}
	voteIDOfRequest := vm.currentVoteID
	process := func(resp *raftpb.VoteResp, err error) {
		gc.group.Dispatcher().Submit(func() {
			gc.group.FireFiber("voteRespProcessor",
				fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
					return vm.processRespFrame(req, resp, err, m, voteIDOfRequest, leaseStartTime)
				}))
		})
	}
	if m.nodeID == gc.serverConfig.NodeID {
		process(&raftpb.VoteResp{Term: term, VoteGranted: true}, nil)
		return
	}
	vm.logger.Info("send vote request",
		zap.Bool("preVote", preVote), zap.Uint32("remote", m.nodeID),
		zap.Uint32("term", term), zap.Uint64("lastLogIndex", req.LastLogIndex))
	gc.transport.SendVote(m.nodeID, req, process)
}

func (vm *VoteManager) voteCheckFail(voteIDOfRequest int) bool {
	if voteIDOfRequest != vm.currentVoteID {
		return true
	}
	if !vm.gc.rs.validCandidate(vm.gc.serverConfig.NodeID) {
		vm.logger.Error("no longer a valid candidate, cancel vote")
		vm.cancelVote()
		return true
	}
	return false
}

func (vm *VoteManager) processRespFrame(req *raftpb.VoteReq, resp *raftpb.VoteResp, err error,
	m *RaftMember, voteIDOfRequest int, leaseStartTime int64) (fiber.FrameCallResult, error) {
	if vm.voteCheckFail(voteIDOfRequest) {
		return fiber.FrameReturn, nil
	}
	if err != nil {
		vm.logger.Warn("vote rpc fail", zap.Bool("preVote", req.PreVote),
			zap.Uint32("remote", m.nodeID), zap.Error(err))
		return fiber.FrameReturn, nil
	}
	if req.PreVote {
		return vm.processPreVoteResp(req, resp, m)
	}
	vm.processVoteResp(req, resp, m, leaseStartTime)
	return fiber.FrameReturn, nil
}

func (vm *VoteManager) isElected(nodeID uint32) bool {
	if _, dup := vm.votes[nodeID]; dup {
		return false
	}
	vm.votes[nodeID] = struct{}{}
	rs := vm.gc.rs
	count := vm.countVotes(rs.members)
	if len(rs.preparedMembers) == 0 {
		vm.logger.Info("vote tally", zap.Int("granted", count), zap.Int("quorum", rs.electQuorum))
		return count >= rs.electQuorum
	}
	jointQuorum := electQuorumOf(len(rs.preparedMembers))
	jointCount := vm.countVotes(rs.preparedMembers)
	vm.logger.Info("vote tally with joint consensus",
		zap.Int("granted", count), zap.Int("quorum", rs.electQuorum),
		zap.Int("jointGranted", jointCount), zap.Int("jointQuorum", jointQuorum))
	return count >= rs.electQuorum && jointCount >= jointQuorum
}

func (vm *VoteManager) countVotes(list []*RaftMember) int {
	n := 0
	for _, m := range list {
		if _, ok := vm.votes[m.nodeID]; ok {
			n++
		}
	}
	return n
}

func (vm *VoteManager) processPreVoteResp(req *raftpb.VoteReq, resp *raftpb.VoteResp,
	m *RaftMember) (fiber.FrameCallResult, error) {
	rs := vm.gc.rs
	// a candidate of a failed round may campaign again without first
	// hearing from a leader
	if resp.VoteGranted && rs.role != RoleLeader && resp.Term == req.Term {
		vm.logger.Info("pre-vote granted", zap.Uint32("remote", m.nodeID), zap.Uint32("term", rs.currentTerm))
		if vm.isElected(m.nodeID) {
			vm.logger.Info("pre-vote success", zap.Uint32("term", rs.currentTerm))
			return vm.startVote()
		}
	} else {
		vm.logger.Info("pre-vote not granted",
			zap.Uint32("remote", m.nodeID), zap.Uint32("term", rs.currentTerm))
	}
	return fiber.FrameReturn, nil
}

// startVote increments the term, votes for self, persists synchronously
// and only then solicits real votes.
func (vm *VoteManager) startVote() (fiber.FrameCallResult, error) {
	gc := vm.gc
	rs := gc.rs
	if vm.readyNodesNotEnough(false) {
		vm.cancelVote()
		return fiber.FrameReturn, nil
	}
	voters := allMembers(rs.members, rs.preparedMembers)
	// new vote id: remaining pre-vote responses are ignored
	vm.initStatusForVoting()
	if rs.role != RoleCandidate {
		vm.logger.Info("change to candidate", zap.Uint32("oldTerm", rs.currentTerm))
		rs.role = RoleCandidate
	}
	rs.currentTerm++
	rs.votedFor = gc.serverConfig.NodeID
	rs.leaderID = 0
	version := gc.persistStatusAsync()
	voteIDBeforePersist := vm.currentVoteID
	fb := gc.group.CurrentFiber()
	return fb.Call(gc.statusManager.WaitForceFrame(version), func(any) (fiber.FrameCallResult, error) {
		if vm.voteCheckFail(voteIDBeforePersist) {
			return fiber.FrameReturn, nil
		}
		if vm.readyNodesNotEnough(false) {
			vm.cancelVote()
			return fiber.FrameReturn, nil
		}
		vm.logger.Info("start vote",
			zap.Uint32("newTerm", rs.currentTerm), zap.Int("voteID", vm.currentVoteID),
			zap.Uint64("lastLogIndex", rs.lastLogIndex))
		leaseStartTime := rs.ts.NanoTime
		for _, m := range voters {
			vm.sendRequest(m, false, leaseStartTime)
		}
		return fiber.FrameReturn, nil
	})
}

func (vm *VoteManager) processVoteResp(req *raftpb.VoteReq, resp *raftpb.VoteResp,
	m *RaftMember, leaseStartTime int64) {
	gc := vm.gc
	rs := gc.rs
	switch {
	case resp.Term < rs.currentTerm:
		vm.logger.Warn("outdated vote resp, ignore",
			zap.Uint32("remoteTerm", resp.Term), zap.Uint32("reqTerm", req.Term),
			zap.Uint32("remote", m.nodeID))
	case resp.Term == rs.currentTerm:
		if rs.role != RoleCandidate {
			vm.logger.Warn("vote resp but not candidate, ignore", zap.Uint32("remote", m.nodeID))
			return
		}
		vm.logger.Info("vote resp",
			zap.Bool("granted", resp.VoteGranted), zap.Uint32("remote", m.nodeID),
			zap.Uint32("term", resp.Term))
		if !resp.VoteGranted {
			return
		}
		m.lastConfirmReqNanos = leaseStartTime
		if vm.isElected(m.nodeID) {
			vm.logger.Info("elected, change to leader", zap.Uint32("term", rs.currentTerm))
			rs.changeToLeader()
			rs.leaseStartNanos = leaseStartTime
			gc.metrics.LeaderChanges.Inc()
			vm.cancelVote()
			gc.onBecomeLeader()
		}
	default:
		// higher term: someone is ahead of us, step down
		rs.descendToFollower(resp.Term, 0)
		vm.cancelVote()
		gc.persistStatusAsync()
	}
}
