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

const (
	maxEntriesPerAppend = 100
	maxBytesPerAppend   = 4 * 1024 * 1024
)

// ReplicationManager runs one replicator fiber per peer while this node
// leads. A replicator sends AppendEntries with whatever the peer is
// missing, or an empty heartbeat on idle; the response moves the peer's
// cursors and may advance the commit index. Replicators observe the role
// and exit on step-down.
type ReplicationManager struct {
	gc     *GroupComponents
	logger *zap.Logger

	// epoch invalidates replicators of an older leadership
	epoch int
}

func newReplicationManager(gc *GroupComponents) *ReplicationManager {
	return &ReplicationManager{gc: gc, logger: gc.logger}
}

// startAll launches replicators for every peer of the current
// configuration. Called on becoming leader and after membership changes.
func (rm *ReplicationManager) startAll() {
	rm.epoch++
	rs := rm.gc.rs
	for _, m := range allMembers(rs.members, rs.preparedMembers, rs.observers, rs.preparedObservers) {
		if m.nodeID == rs.nodeID {
			continue
		}
		rm.startReplicator(m)
	}
}

// stopAll invalidates running replicators; they exit at their next wakeup.
func (rm *ReplicationManager) stopAll() {
	rm.epoch++
	rs := rm.gc.rs
	for _, m := range allMembers(rs.members, rs.preparedMembers, rs.observers, rs.preparedObservers) {
		m.repl = nil
	}
	rs.replCond.SignalAll()
}

func (rm *ReplicationManager) startReplicator(m *RaftMember) {
	if m.repl != nil {
		return
	}
	r := &memberReplicator{
		rm:    rm,
		gc:    rm.gc,
		m:     m,
		epoch: rm.epoch,
	}
	m.repl = r
	name := "replicate-" + formatGroupLabel(m.nodeID)
	r.fiber = fiber.NewDaemonFiber(name, rm.gc.group, fiber.NewFrame(r.loop).
		OnError(func(cause error) (fiber.FrameCallResult, error) {
			rm.logger.Error("replicator failed", zap.Uint32("peer", m.nodeID), zap.Error(cause))
			return fiber.FrameReturn, nil
		}))
	r.fiber.Start()
}

type memberReplicator struct {
	rm    *ReplicationManager
	gc    *GroupComponents
	m     *RaftMember
	epoch int
	fiber *fiber.Fiber
}

func (r *memberReplicator) stale() bool {
	return r.epoch != r.rm.epoch || r.gc.rs.role != RoleLeader || r.gc.group.IsShouldStop()
}

func (r *memberReplicator) loop(any) (fiber.FrameCallResult, error) {
	if r.stale() {
		return r.fiber.Return(nil)
	}
	rs := r.gc.rs
	if r.m.nextIndex <= rs.lastLogIndex {
		return r.sendAppend(false)
	}
	// nothing to send: heartbeat on idle timeout, replicate on signal
	wait := fiber.AwaitOrTimeoutFrame(rs.replCond, r.gc.serverConfig.HeartbeatInterval)
	return r.fiber.Call(wait, func(v any) (fiber.FrameCallResult, error) {
		if r.stale() {
			return r.fiber.Return(nil)
		}
		if signaled, _ := v.(bool); !signaled {
			return r.sendAppend(true)
		}
		return r.loop(nil)
	})
}

// sendAppend builds one AppendEntries for the peer. Entries come from the
// tail cache when still pending, otherwise from the log store.
func (r *memberReplicator) sendAppend(heartbeat bool) (fiber.FrameCallResult, error) {
	rs := r.gc.rs
	prevIndex := r.m.nextIndex - 1
	prevTerm, known := rs.termOf(prevIndex)
	if !known {
		// peer trails the retained log: ship a snapshot instead
		return r.sendInstallSnapshot()
	}
	req := &raftpb.AppendEntriesReq{
		GroupID:      rs.groupID,
		Term:         rs.currentTerm,
		LeaderID:     rs.nodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: rs.commitIndex,
	}
	if heartbeat || r.m.nextIndex > rs.lastLogIndex {
		return r.dispatch(req)
	}

	first := rs.tailCache.FirstPending()
	if first > 0 && r.m.nextIndex >= first {
		bytes := 0
		for idx := r.m.nextIndex; idx <= rs.lastLogIndex && len(req.Entries) < maxEntriesPerAppend; idx++ {
			it := rs.tailCache.PendingItem(idx)
			if it == nil {
				break
			}
			req.Entries = append(req.Entries, it)
			if bytes += it.PersistedSize(); bytes >= maxBytesPerAppend {
				break
			}
		}
		return r.dispatch(req)
	}
	// evicted from the tail cache: load from disk
	load := r.gc.logStore.LoadFrame(r.m.nextIndex, maxEntriesPerAppend, maxBytesPerAppend)
	return r.fiber.Call(load, func(v any) (fiber.FrameCallResult, error) {
		if r.stale() {
			return r.fiber.Return(nil)
		}
		req.Entries = v.([]*raftpb.LogItem)
		return r.dispatch(req)
	})
}

// dispatch sends the request and processes the response in this fiber.
// RPC failures and timeouts are not fatal to the replicator: it pauses one
// heartbeat interval and probes again.
func (r *memberReplicator) dispatch(req *raftpb.AppendEntriesReq) (fiber.FrameCallResult, error) {
	fu := r.gc.group.NewFuture("appendResp")
	r.gc.transport.SendAppendEntries(r.m.nodeID, req, func(resp *raftpb.AppendEntriesResp, err error) {
		if err != nil {
			fu.FireCompleteExceptionally(err)
		} else {
			fu.FireComplete(resp)
		}
	})
	sentNanos := r.gc.rs.ts.NanoTime
	rpc := rpcFrame(fu, r.gc.serverConfig.RPCTimeout)
	return r.fiber.Call(rpc, func(v any) (fiber.FrameCallResult, error) {
		if r.stale() {
			return r.fiber.Return(nil)
		}
		resp, ok := v.(*raftpb.AppendEntriesResp)
		if !ok {
			return r.fiber.Sleep(r.gc.serverConfig.HeartbeatInterval, r.loop)
		}
		r.processResp(req, resp, sentNanos)
		return r.loop(nil)
	})
}

// rpcFrame awaits an RPC future with a deadline; the frame result is the
// response, or nil when the RPC failed or timed out.
func rpcFrame(fu *fiber.Future, timeout time.Duration) *fiber.Frame {
	var fr *fiber.Frame
	fr = fiber.NewFrame(func(any) (fiber.FrameCallResult, error) {
		return fr.Fiber().AwaitTimeout(fu, timeout, func(v any) (fiber.FrameCallResult, error) {
			fr.SetResult(v)
			return fiber.FrameReturn, nil
		})
	}).OnError(func(error) (fiber.FrameCallResult, error) {
		return fiber.FrameReturn, nil
	})
	return fr
}

func (r *memberReplicator) processResp(req *raftpb.AppendEntriesReq,
	resp *raftpb.AppendEntriesResp, sentNanos int64) {
	gc := r.gc
	rs := gc.rs
	if resp.Term > rs.currentTerm {
		gc.logger.Info("peer has higher term, stepping down",
			zap.Uint32("peer", r.m.nodeID), zap.Uint32("remoteTerm", resp.Term))
		gc.stepDown(resp.Term)
		return
	}
	r.m.lastConfirmReqNanos = sentNanos
	if resp.Success {
		lastSent := req.PrevLogIndex
		if n := len(req.Entries); n > 0 {
			lastSent = req.Entries[n-1].Index
		}
		if lastSent > r.m.matchIndex {
			r.m.matchIndex = lastSent
		}
		if lastSent+1 > r.m.nextIndex {
			r.m.nextIndex = lastSent + 1
		}
		gc.tryAdvanceCommit()
		gc.updateLease()
		return
	}
	// rejected: follow the conflict hint, or back off one
	next := resp.SuggestNextIndex
	if next == 0 || next >= r.m.nextIndex {
		next = r.m.nextIndex - 1
	}
	if next == 0 {
		next = 1
	}
	gc.logger.Info("append rejected, probing backwards",
		zap.Uint32("peer", r.m.nodeID),
		zap.Uint64("oldNext", r.m.nextIndex), zap.Uint64("next", next))
	r.m.nextIndex = next
}

// sendInstallSnapshot streams the current state machine snapshot to the
// peer in chunks, then repositions its cursors after the snapshot.
func (r *memberReplicator) sendInstallSnapshot() (fiber.FrameCallResult, error) {
	gc := r.gc
	rs := gc.rs
	lastIncludedIndex, lastIncludedTerm, data, err := gc.stateMachine.TakeSnapshot()
	if err != nil {
		gc.logger.Error("take snapshot failed", zap.Error(err))
		return r.fiber.Sleep(gc.serverConfig.HeartbeatInterval, r.loop)
	}
	gc.logger.Info("sending snapshot",
		zap.Uint32("peer", r.m.nodeID),
		zap.Uint64("lastIncludedIndex", lastIncludedIndex))

	const chunk = 1024 * 1024
	var send func(offset uint64) (fiber.FrameCallResult, error)
	send = func(offset uint64) (fiber.FrameCallResult, error) {
		if r.stale() {
			return r.fiber.Return(nil)
		}
		end := offset + chunk
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		req := &raftpb.InstallSnapshotReq{
			GroupID:           rs.groupID,
			Term:              rs.currentTerm,
			LeaderID:          rs.nodeID,
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
			Offset:            offset,
			Data:              data[offset:end],
			Done:              end == uint64(len(data)),
		}
		fu := gc.group.NewFuture("installSnapshotResp")
		gc.transport.SendInstallSnapshot(r.m.nodeID, req, func(resp *raftpb.InstallSnapshotResp, err error) {
			if err != nil {
				fu.FireCompleteExceptionally(err)
			} else {
				fu.FireComplete(resp)
			}
		})
		return r.fiber.Call(rpcFrame(fu, gc.serverConfig.RPCTimeout),
			func(v any) (fiber.FrameCallResult, error) {
				if r.stale() {
					return r.fiber.Return(nil)
				}
				resp, ok := v.(*raftpb.InstallSnapshotResp)
				if !ok {
					return r.fiber.Sleep(gc.serverConfig.HeartbeatInterval, r.loop)
				}
				if resp.Term > rs.currentTerm {
					gc.stepDown(resp.Term)
					return r.fiber.Return(nil)
				}
				if !resp.Success {
					return r.fiber.Sleep(gc.serverConfig.HeartbeatInterval, r.loop)
				}
				if req.Done {
					r.m.matchIndex = lastIncludedIndex
					r.m.nextIndex = lastIncludedIndex + 1
					gc.tryAdvanceCommit()
					return r.loop(nil)
				}
				return send(end)
			})
	}
	return send(0)
}
