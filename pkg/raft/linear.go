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
	"go.uber.org/zap"
)

// LinearTaskRunner is the client-facing entry of the leader: it assigns the
// next log index to each write, parks it in the tail cache for the
// appender, and anchors linearized reads to the pending write at their
// attach index. Dispatcher goroutine only; RaftGroup shuttles callers in.
type LinearTaskRunner struct {
	gc     *GroupComponents
	logger *zap.Logger
}

func newLinearTaskRunner(gc *GroupComponents) *LinearTaskRunner {
	return &LinearTaskRunner{gc: gc, logger: gc.logger}
}

// submit enqueues one client input. The returned future completes with
// *RaftOutput after apply (writes) or at the linearization point (reads).
func (lt *LinearTaskRunner) submit(input *RaftInput) *fiber.Future {
	gc := lt.gc
	rs := gc.rs
	fu := gc.group.NewFuture("raftTask")
	if rs.role != RoleLeader {
		fu.CompleteExceptionally(ErrNotLeader)
		return fu
	}
	if gc.group.IsShouldStop() {
		fu.CompleteExceptionally(ErrGroupStopped)
		return fu
	}
	if input.ReadOnly {
		lt.submitRead(input, fu)
		return fu
	}
	lt.raise(raftpb.ItemTypeNormal, input, fu)
	return fu
}

// submitRead attaches the read behind the last assigned write so it
// observes every write submitted before it.
func (lt *LinearTaskRunner) submitRead(input *RaftInput, fu *fiber.Future) {
	gc := lt.gc
	rs := gc.rs
	task := &RaftTask{typ: raftpb.ItemTypeNormal, input: input, future: fu}
	attach := rs.lastAssignableIndex()
	if attach <= rs.lastApplied {
		gc.applyManager.exec(attach, task)
		return
	}
	anchor := rs.tailCache.Get(attach)
	if anchor == nil {
		// attach point already evicted: it is applied or about to be;
		// run the read at the current applied frontier
		gc.applyManager.exec(rs.lastApplied, task)
		return
	}
	anchor.nextReaders = append(anchor.nextReaders, task)
}

// raise appends an entry of the given type to the pending log.
func (lt *LinearTaskRunner) raise(typ raftpb.ItemType, input *RaftInput, fu *fiber.Future) *RaftTask {
	gc := lt.gc
	rs := gc.rs
	index := rs.lastAssignableIndex() + 1
	prevTerm, _ := rs.termOf(index - 1)
	item := &raftpb.LogItem{
		Index:       index,
		Term:        rs.currentTerm,
		PrevLogTerm: prevTerm,
		Type:        typ,
		Timestamp:   rs.ts.WallMillis,
	}
	if input != nil {
		item.BizType = input.BizType
		item.Header = input.Header
		item.Body = input.Body
	}
	task := &RaftTask{typ: typ, input: input, item: item, future: fu}
	if !rs.tailCache.Put(index, task) {
		lt.logger.Error("tail cache rejected contiguous put", zap.Uint64("index", index))
		gc.group.RequestShutdown()
		if fu != nil {
			fu.CompleteExceptionally(ErrGroupStopped)
		}
		return task
	}
	rs.termCache.Append(index, rs.currentTerm)
	gc.metrics.EntriesAppended.Inc()
	gc.logStore.SignalAppend()
	return task
}

// raiseNoOp commits the new leader's term: entries from older terms may
// only commit once an entry of the current term does.
func (lt *LinearTaskRunner) raiseNoOp() {
	lt.raise(raftpb.ItemTypeNoOp, nil, nil)
}

// raiseConfigChange appends a membership-change entry; the change takes
// effect when the entry is applied.
func (lt *LinearTaskRunner) raiseConfigChange(cc *raftpb.ConfigChange) *fiber.Future {
	gc := lt.gc
	fu := gc.group.NewFuture("configChange")
	if gc.rs.role != RoleLeader {
		fu.CompleteExceptionally(ErrNotLeader)
		return fu
	}
	body := raftpb.MarshalConfigChange(nil, cc)
	lt.raise(raftpb.ItemTypeConfigChange, &RaftInput{Body: body}, fu)
	return fu
}
