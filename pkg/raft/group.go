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
	"github.com/azhsmesos/dongting/pkg/raft/sm"
	"github.com/azhsmesos/dongting/pkg/raft/store"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// commitPersistInterval is how many commits may pass before the commit
// anchor is re-persisted to the status file. The anchor only bounds the
// restore scan, so lagging is safe.
const commitPersistInterval = 1024

// GroupComponents wires the per-group subsystems together. Everything here
// lives on the group's dispatcher.
type GroupComponents struct {
	serverConfig ServerConfig
	groupConfig  GroupConfig

	group  *fiber.Group
	rs     *RaftStatus
	logger *zap.Logger

	exec          *store.IOExecutor
	logStore      *store.LogStore
	statusManager *store.StatusManager

	memberManager      *MemberManager
	voteManager        *VoteManager
	replicationManager *ReplicationManager
	applyManager       *ApplyManager
	linearTaskRunner   *LinearTaskRunner

	transport    Transport
	nodeState    NodeStateProvider
	stateMachine sm.StateMachine
	metrics      *Metrics

	appendChan *fiber.Channel

	lastPersistedCommit uint64
}

func newGroupComponents(serverConfig ServerConfig, groupConfig GroupConfig,
	g *fiber.Group, exec *store.IOExecutor, transport Transport, nodeState NodeStateProvider,
	machine sm.StateMachine, logger *zap.Logger) (*GroupComponents, error) {
	gc := &GroupComponents{
		serverConfig: serverConfig,
		groupConfig:  groupConfig,
		group:        g,
		logger:       logger,
		exec:         exec,
		transport:    transport,
		nodeState:    nodeState,
		stateMachine: machine,
		metrics:      newMetrics(serverConfig.MetricsRegistry, groupConfig.GroupID),
	}
	if gc.nodeState == nil {
		gc.nodeState = staticNodeState{}
	}
	gc.rs = newRaftStatus(groupConfig.GroupID, serverConfig.NodeID, g, g.Dispatcher().Timestamp())
	gc.rs.electTimeoutNanos = int64(serverConfig.ElectTimeout)
	gc.appendChan = g.NewChannel("appendRequests")

	var err error
	gc.statusManager, err = store.NewStatusManager(groupConfig.DataDir, g, exec, logger)
	if err != nil {
		return nil, err
	}
	storeCfg := groupConfig.Store
	storeCfg.Dir = groupConfig.DataDir
	gc.logStore, err = store.NewLogStore(storeCfg, g, exec, gc.rs.tailCache, gc.appendFinish, logger)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	high := uint64(id[0])<<56 | uint64(id[1])<<48 | uint64(id[2])<<40 | uint64(id[3])<<32 |
		uint64(id[4])<<24 | uint64(id[5])<<16 | uint64(id[6])<<8 | uint64(id[7])
	low := uint64(id[8])<<56 | uint64(id[9])<<48 | uint64(id[10])<<40 | uint64(id[11])<<32 |
		uint64(id[12])<<24 | uint64(id[13])<<16 | uint64(id[14])<<8 | uint64(id[15])
	gc.memberManager = newMemberManager(gc, high, low)
	gc.voteManager = newVoteManager(gc)
	gc.replicationManager = newReplicationManager(gc)
	gc.applyManager = newApplyManager(gc)
	gc.linearTaskRunner = newLinearTaskRunner(gc)
	return gc, nil
}

// init recovers durable state. Blocking; runs before fibers start.
func (gc *GroupComponents) init() error {
	st := gc.statusManager.Status()
	rs := gc.rs
	rs.currentTerm = st.CurrentTerm
	rs.votedFor = st.VotedFor

	res, err := gc.logStore.Init(st.CommitIndex, st.CommitIndexPos)
	if err != nil {
		return err
	}
	rs.lastLogIndex = res.LastIndex
	rs.lastLogTerm = res.LastTerm
	if res.LastIndex > 0 {
		rs.termCache.Append(res.LastIndex, res.LastTerm)
	}
	rs.commitIndex = minU64(st.CommitIndex, res.LastIndex)
	rs.commitIndexPos = st.CommitIndexPos
	gc.lastPersistedCommit = rs.commitIndex
	gc.logger.Info("group initialized",
		zap.Uint32("term", rs.currentTerm), zap.Uint32("votedFor", rs.votedFor),
		zap.Uint64("commitIndex", rs.commitIndex), zap.Uint64("lastLogIndex", rs.lastLogIndex))
	return nil
}

// startFibers launches every per-group fiber. Dispatcher goroutine only.
func (gc *GroupComponents) startFibers() {
	gc.rs.resetElectTimer()
	gc.memberManager.init()
	gc.logStore.StartFibers()
	gc.statusManager.StartFiber()
	gc.memberManager.startFiber()
	gc.voteManager.startFiber()
	gc.applyManager.startFiber()
	fiber.NewDaemonFiber("appendConsumer", gc.group,
		fiber.NewFrame(gc.appendConsumerLoop)).Start()
}

// persistStatusAsync snapshots the hard state into the status manager's
// pipeline and returns the wait version.
func (gc *GroupComponents) persistStatusAsync() int64 {
	rs := gc.rs
	commit := minU64(rs.commitIndex, gc.logStore.IdxFlushedIndex())
	st := store.PersistedStatus{
		CurrentTerm: rs.currentTerm,
		VotedFor:    rs.votedFor,
		CommitIndex: commit,
	}
	if pos, ok := gc.logStore.Pos(commit); ok {
		st.CommitIndexPos = pos
	}
	gc.lastPersistedCommit = commit
	return gc.statusManager.PersistAsync(st)
}

// stepDown abandons leadership (or candidacy) in term: a higher term
// learned from a peer, or the current term when the leader lease expired.
func (gc *GroupComponents) stepDown(term uint32) {
	rs := gc.rs
	wasLeader := rs.role == RoleLeader
	rs.descendToFollower(term, 0)
	gc.voteManager.cancelVote()
	if wasLeader {
		gc.replicationManager.stopAll()
	}
	gc.persistStatusAsync()
}

// onBecomeLeader starts replication and raises the no-op entry that lets
// prior-term entries commit.
func (gc *GroupComponents) onBecomeLeader() {
	gc.replicationManager.startAll()
	gc.linearTaskRunner.raiseNoOp()
	gc.rs.replCond.SignalAll()
}

// appendFinish is the store's durable-prefix callback: everything up to
// lastIndex survived fsync.
func (gc *GroupComponents) appendFinish(lastTerm uint32, lastIndex uint64) {
	rs := gc.rs
	if lastIndex <= rs.lastLogIndex {
		return
	}
	rs.lastLogIndex = lastIndex
	rs.lastLogTerm = lastTerm
	rs.logSyncedCond.SignalAll()
	rs.replCond.SignalAll()
	if rs.role == RoleLeader {
		gc.tryAdvanceCommit()
	}
}

// tryAdvanceCommit moves commitIndex to the highest index replicated on a
// quorum of members and, during joint consensus, of prepared members.
// Indexes from older terms never commit by counting.
func (gc *GroupComponents) tryAdvanceCommit() {
	rs := gc.rs
	idx := rs.quorumMatchIndex(rs.members)
	if len(rs.preparedMembers) > 0 {
		if joint := rs.quorumMatchIndex(rs.preparedMembers); joint < idx {
			idx = joint
		}
	}
	if idx <= rs.commitIndex {
		return
	}
	if term, ok := rs.termOf(idx); !ok || term != rs.currentTerm {
		return
	}
	gc.advanceCommit(idx)
}

// advanceCommit installs the new commit index and wakes the apply loop.
func (gc *GroupComponents) advanceCommit(index uint64) {
	rs := gc.rs
	rs.commitIndex = index
	if pos, ok := gc.logStore.Pos(index); ok {
		rs.commitIndexPos = pos
	}
	gc.metrics.CommitIndex.Set(float64(index))
	rs.applyCond.Signal()
	if index-gc.lastPersistedCommit >= commitPersistInterval {
		gc.persistStatusAsync()
	}
}

// updateLease moves the leader lease to the quorum-confirmed send time.
func (gc *GroupComponents) updateLease() {
	rs := gc.rs
	lease := leaseOf(rs, rs.members)
	if len(rs.preparedMembers) > 0 {
		if joint := leaseOf(rs, rs.preparedMembers); joint < lease {
			lease = joint
		}
	}
	if lease > rs.leaseStartNanos {
		rs.leaseStartNanos = lease
	}
}

func leaseOf(rs *RaftStatus, voters []*RaftMember) int64 {
	if len(voters) == 0 {
		return rs.ts.NanoTime
	}
	confirms := make([]int64, 0, len(voters))
	for _, m := range voters {
		if m.nodeID == rs.nodeID {
			confirms = append(confirms, rs.ts.NanoTime)
		} else {
			confirms = append(confirms, m.lastConfirmReqNanos)
		}
	}
	for i := 1; i < len(confirms); i++ {
		for j := i; j > 0 && confirms[j] > confirms[j-1]; j-- {
			confirms[j], confirms[j-1] = confirms[j-1], confirms[j]
		}
	}
	return confirms[electQuorumOf(len(voters))-1]
}

// checkLeaderLease steps the leader down when a quorum stopped confirming
// within the lease horizon.
func (gc *GroupComponents) checkLeaderLease() {
	rs := gc.rs
	if rs.role != RoleLeader {
		return
	}
	gc.updateLease()
	if rs.ts.NanoTime-rs.leaseStartNanos > rs.electTimeoutNanos {
		gc.logger.Warn("leader lease expired, stepping down", zap.Uint32("term", rs.currentTerm))
		gc.stepDown(rs.currentTerm)
	}
}

// applyConfigChange executes a committed membership-change entry.
func (gc *GroupComponents) applyConfigChange(index uint64, rt *RaftTask) {
	var body []byte
	if rt.item != nil {
		body = rt.item.Body
	} else if rt.input != nil {
		body = rt.input.Body
	}
	cc := new(raftpb.ConfigChange)
	if err := raftpb.UnmarshalConfigChange(body, cc); err != nil {
		gc.logger.Error("bad config change entry", zap.Uint64("index", index), zap.Error(err))
		gc.group.RequestShutdown()
		return
	}
	var err error
	switch cc.Stage {
	case raftpb.ConfigChangePrepare:
		err = gc.memberManager.prepareJointConsensus(cc.MemberIDs, cc.ObserverIDs)
	case raftpb.ConfigChangeCommit:
		err = gc.memberManager.commitJointConsensus()
	case raftpb.ConfigChangeAbort:
		err = gc.memberManager.dropJointConsensus()
	default:
		err = errors.Newf("unknown config change stage %d", cc.Stage)
	}
	if err != nil {
		gc.logger.Error("config change apply failed", zap.Uint64("index", index), zap.Error(err))
	} else if gc.rs.role == RoleLeader {
		gc.replicationManager.startAll()
	}
	if rt.future != nil {
		if err != nil {
			rt.future.CompleteExceptionally(err)
		} else {
			rt.future.Complete(&RaftOutput{Index: index})
		}
	}
}

// RaftGroup is the public handle of one hosted group. Its methods are safe
// from any goroutine.
type RaftGroup struct {
	gc *GroupComponents
}

// GroupID returns the group's id.
func (rg *RaftGroup) GroupID() uint32 { return rg.gc.groupConfig.GroupID }

// TaskResult delivers the outcome of a submission.
type TaskResult struct {
	Output *RaftOutput
	Err    error
}

// Submit enqueues a client input on the leader. The channel receives
// exactly one result.
func (rg *RaftGroup) Submit(input *RaftInput) <-chan TaskResult {
	out := make(chan TaskResult, 1)
	rg.gc.group.Dispatcher().Submit(func() {
		fu := rg.gc.linearTaskRunner.submit(input)
		fu.RegisterCallback(func(v any, err error) {
			if err != nil {
				out <- TaskResult{Err: err}
				return
			}
			output, _ := v.(*RaftOutput)
			out <- TaskResult{Output: output}
		})
	})
	return out
}

// ChangeMembers starts a joint-consensus transition to the given member
// and observer sets. The returned channel fires when Cold,new is applied;
// CommitMemberChange completes the transition.
func (rg *RaftGroup) ChangeMembers(memberIDs, observerIDs []uint32) <-chan TaskResult {
	return rg.configChange(&raftpb.ConfigChange{
		Stage:       raftpb.ConfigChangePrepare,
		MemberIDs:   memberIDs,
		ObserverIDs: observerIDs,
	})
}

// CommitMemberChange applies Cnew, making the prepared configuration the
// only one.
func (rg *RaftGroup) CommitMemberChange() <-chan TaskResult {
	return rg.configChange(&raftpb.ConfigChange{Stage: raftpb.ConfigChangeCommit})
}

// AbortMemberChange rolls back a prepared transition.
func (rg *RaftGroup) AbortMemberChange() <-chan TaskResult {
	return rg.configChange(&raftpb.ConfigChange{Stage: raftpb.ConfigChangeAbort})
}

func (rg *RaftGroup) configChange(cc *raftpb.ConfigChange) <-chan TaskResult {
	out := make(chan TaskResult, 1)
	rg.gc.group.Dispatcher().Submit(func() {
		fu := rg.gc.linearTaskRunner.raiseConfigChange(cc)
		fu.RegisterCallback(func(v any, err error) {
			if err != nil {
				out <- TaskResult{Err: err}
				return
			}
			output, _ := v.(*RaftOutput)
			out <- TaskResult{Output: output}
		})
	})
	return out
}

// CompactLog deletes whole log segments whose entries all precede
// firstRequiredIndex. Call after the state machine snapshotted through
// that index; entries below it can then only be served by snapshot.
func (rg *RaftGroup) CompactLog(firstRequiredIndex uint64) {
	rg.gc.group.Dispatcher().Submit(func() {
		rg.gc.logStore.MarkTruncateHead(firstRequiredIndex)
	})
}

// Status snapshots role/term/index state for inspection. It round-trips
// through the dispatcher, so the values are mutually consistent.
func (rg *RaftGroup) Status() GroupStatus {
	out := make(chan GroupStatus, 1)
	rg.gc.group.Dispatcher().Submit(func() {
		rs := rg.gc.rs
		out <- GroupStatus{
			Term:         rs.currentTerm,
			Role:         rs.role,
			LeaderID:     rs.leaderID,
			CommitIndex:  rs.commitIndex,
			LastApplied:  rs.lastApplied,
			LastLogIndex: rs.lastLogIndex,
			LastLogTerm:  rs.lastLogTerm,
		}
	})
	return <-out
}

// GroupStatus is a consistent snapshot of one group's progress.
type GroupStatus struct {
	Term         uint32
	Role         RaftRole
	LeaderID     uint32
	CommitIndex  uint64
	LastApplied  uint64
	LastLogIndex uint64
	LastLogTerm  uint32
}

// Components exposes the processors for transports delivering inbound
// requests to this group.
func (rg *RaftGroup) Components() *GroupComponents { return rg.gc }

// Stop requests shutdown and returns once pending writes drained or the
// timeout elapsed.
func (rg *RaftGroup) Stop(timeout time.Duration) {
	gc := rg.gc
	done := make(chan struct{})
	gc.group.Dispatcher().Submit(func() {
		gc.group.FireFiber("groupStop", fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
			fb := gc.group.CurrentFiber()
			// wake every loop fiber parked on a group condition so it can
			// observe the stop flag and drain
			rs := gc.rs
			rs.applyCond.SignalAll()
			rs.replCond.SignalAll()
			rs.logSyncedCond.SignalAll()
			return fb.Call(gc.logStore.WaitWriteFinishFrame(), func(any) (fiber.FrameCallResult, error) {
				version := gc.persistStatusAsync()
				return fb.Call(gc.statusManager.WaitForceFrame(version), func(any) (fiber.FrameCallResult, error) {
					gc.statusManager.Close()
					gc.logStore.Close()
					close(done)
					return fiber.FrameReturn, nil
				})
			})
		}))
		gc.group.RequestShutdown()
	})
	select {
	case <-done:
	case <-time.After(timeout):
		gc.logger.Warn("group stop timeout")
	}
}
