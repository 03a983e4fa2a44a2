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
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"go.uber.org/zap"
)

// RaftMember is this node's view of one peer: liveness plus leader-side
// replication cursors.
type RaftMember struct {
	nodeID uint32

	// ready means the peer answered a raft ping agreeing on the member
	// sets, and its connection epoch has not changed since.
	ready   bool
	pinging bool
	epoch   int32

	nextIndex  uint64
	matchIndex uint64
	// lastConfirmReqNanos is the send time of the last request this peer
	// confirmed; it carries the leader lease.
	lastConfirmReqNanos int64

	repl *memberReplicator
}

// NodeID returns the peer's node id.
func (m *RaftMember) NodeID() uint32 { return m.nodeID }

// IsReady reports whether the peer passed the raft-ping handshake.
func (m *RaftMember) IsReady() bool { return m.ready }

const pingInterval = time.Second

// MemberManager tracks peer readiness and owns joint-consensus membership
// bookkeeping. Everything runs on the group dispatcher, so membership
// mutations are serialized with replication decisions.
type MemberManager struct {
	gc     *GroupComponents
	logger *zap.Logger

	uuidHigh, uuidLow uint64

	pingFiber *fiber.Fiber
}

func newMemberManager(gc *GroupComponents, uuidHigh, uuidLow uint64) *MemberManager {
	m := &MemberManager{
		gc:       gc,
		logger:   gc.logger,
		uuidHigh: uuidHigh,
		uuidLow:  uuidLow,
	}
	root := fiber.NewFrame(m.pingLoop)
	m.pingFiber = fiber.NewDaemonFiber("memberPing", gc.group, root)
	return m
}

func (mm *MemberManager) startFiber() {
	mm.pingFiber.Start()
}

// init populates the member lists from the group config.
func (mm *MemberManager) init() {
	rs := mm.gc.rs
	for _, id := range mm.gc.groupConfig.NodeIDOfMembers {
		rs.members = append(rs.members, &RaftMember{nodeID: id, epoch: -1})
	}
	for _, id := range mm.gc.groupConfig.NodeIDOfObservers {
		rs.observers = append(rs.observers, &RaftMember{nodeID: id, epoch: -1})
	}
	rs.updateQuorum()
}

func (mm *MemberManager) pingLoop(any) (fiber.FrameCallResult, error) {
	fb := mm.pingFiber
	if fb.Group().IsShouldStop() {
		return fb.Return(nil)
	}
	mm.ensureRaftMemberStatus()
	return fb.Sleep(pingInterval, mm.pingLoop)
}

// ensureRaftMemberStatus refreshes readiness of every peer against the
// connection layer, pinging those whose epoch moved.
func (mm *MemberManager) ensureRaftMemberStatus() {
	rs := mm.gc.rs
	for _, m := range allMembers(rs.members, rs.observers, rs.preparedMembers, rs.preparedObservers) {
		mm.check(m)
	}
}

func (mm *MemberManager) check(m *RaftMember) {
	if m.nodeID == mm.gc.serverConfig.NodeID {
		m.ready = true
		return
	}
	epoch, nodeReady := mm.gc.nodeState.NodeState(m.nodeID)
	if !nodeReady {
		mm.setReady(m, false)
		return
	}
	if epoch != m.epoch {
		mm.setReady(m, false)
		if !m.pinging {
			mm.raftPing(m, epoch)
		}
	}
}

func (mm *MemberManager) raftPing(m *RaftMember, epochWhenStartPing int32) {
	m.pinging = true
	rs := mm.gc.rs
	req := &raftpb.RaftPing{
		GroupID:     rs.groupID,
		NodeID:      mm.gc.serverConfig.NodeID,
		UUIDHigh:    mm.uuidHigh,
		UUIDLow:     mm.uuidLow,
		MemberIDs:   memberIDs(rs.members),
		ObserverIDs: memberIDs(rs.observers),
	}
	mm.gc.transport.SendRaftPing(m.nodeID, req, func(resp *raftpb.RaftPing, err error) {
		mm.gc.group.Dispatcher().Submit(func() {
			mm.processPingResult(m, resp, err, epochWhenStartPing)
		})
	})
}

func (mm *MemberManager) processPingResult(m *RaftMember, resp *raftpb.RaftPing,
	err error, epochWhenStartPing int32) {
	m.pinging = false
	switch {
	case err != nil:
		mm.logger.Warn("raft ping fail", zap.Uint32("remote", m.nodeID), zap.Error(err))
		mm.setReady(m, false)
	case resp.NodeID == 0 && resp.GroupID == 0:
		mm.logger.Error("raft ping error, group not found on remote",
			zap.Uint32("remote", m.nodeID))
		mm.setReady(m, false)
	case resp.UUIDHigh == mm.uuidHigh && resp.UUIDLow == mm.uuidLow:
		// we only ping peers, so our own uuid coming back means the
		// connection loops back to this process
		mm.logger.Error("raft ping answered by self, connection loops back",
			zap.Uint32("remote", m.nodeID))
		mm.setReady(m, false)
	case !mm.checkMemberIDs(resp):
		mm.logger.Error("raft ping error, member ids not match",
			zap.Uint32("remote", m.nodeID),
			zap.Uint32s("remoteMembers", resp.MemberIDs),
			zap.Uint32s("remoteObservers", resp.ObserverIDs))
		mm.setReady(m, false)
	default:
		epoch, nodeReady := mm.gc.nodeState.NodeState(m.nodeID)
		if nodeReady && epoch == epochWhenStartPing {
			mm.setReady(m, true)
			m.epoch = epochWhenStartPing
		} else {
			mm.logger.Warn("raft ping success but node state changed",
				zap.Uint32("remote", m.nodeID),
				zap.Int32("pingEpoch", epochWhenStartPing), zap.Int32("epoch", epoch))
			mm.setReady(m, false)
		}
	}
}

func (mm *MemberManager) checkMemberIDs(resp *raftpb.RaftPing) bool {
	rs := mm.gc.rs
	return idSetEqual(memberIDs(rs.members), resp.MemberIDs) &&
		idSetEqual(memberIDs(rs.observers), resp.ObserverIDs)
}

func idSetEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uint32]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func (mm *MemberManager) setReady(m *RaftMember, ready bool) {
	if m.ready == ready {
		return
	}
	m.ready = ready
	mm.logger.Info("member ready changed",
		zap.Uint32("nodeID", m.nodeID), zap.Bool("ready", ready))
}

// readyCount counts reachable voters, including self.
func readyCount(list []*RaftMember) int {
	n := 0
	for _, m := range list {
		if m.ready {
			n++
		}
	}
	return n
}

// prepareJointConsensus installs the Cold,new member sets: from here on a
// quorum requires both the current and the prepared majority. Dispatcher
// goroutine only; reached via the config-change apply path.
func (mm *MemberManager) prepareJointConsensus(newMemberIDs, newObserverIDs []uint32) error {
	rs := mm.gc.rs
	if len(rs.preparedMembers) > 0 {
		return ErrJointConsensusPrepared
	}
	current := make(map[uint32]*RaftMember)
	for _, m := range allMembers(rs.members, rs.observers) {
		current[m.nodeID] = m
	}
	pick := func(id uint32) *RaftMember {
		if m, ok := current[id]; ok {
			return m
		}
		return &RaftMember{nodeID: id, epoch: -1}
	}
	for _, id := range newMemberIDs {
		rs.preparedMembers = append(rs.preparedMembers, pick(id))
	}
	for _, id := range newObserverIDs {
		rs.preparedObservers = append(rs.preparedObservers, pick(id))
	}
	mm.logger.Info("joint consensus prepared",
		zap.Uint32s("newMembers", newMemberIDs), zap.Uint32s("newObservers", newObserverIDs))
	return nil
}

// dropJointConsensus abandons a prepared change, restoring the old single
// configuration.
func (mm *MemberManager) dropJointConsensus() error {
	rs := mm.gc.rs
	if len(rs.preparedMembers) == 0 {
		return ErrJointConsensusNotPrepared
	}
	rs.preparedMembers = nil
	rs.preparedObservers = nil
	mm.logger.Info("joint consensus dropped")
	return nil
}

// commitJointConsensus applies Cnew: the prepared sets become the only
// configuration.
func (mm *MemberManager) commitJointConsensus() error {
	rs := mm.gc.rs
	if len(rs.preparedMembers) == 0 {
		return ErrJointConsensusNotPrepared
	}
	rs.members = rs.preparedMembers
	rs.observers = rs.preparedObservers
	rs.preparedMembers = nil
	rs.preparedObservers = nil
	rs.updateQuorum()
	if rs.votedFor != 0 && !rs.validCandidate(rs.votedFor) {
		rs.votedFor = 0
	}
	mm.logger.Info("joint consensus committed",
		zap.Uint32s("members", memberIDs(rs.members)),
		zap.Uint32s("observers", memberIDs(rs.observers)))
	return nil
}
