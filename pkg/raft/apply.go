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

const (
	applyBatchItems = 100
	applyBatchBytes = 16 * 1024 * 1024
)

// ApplyManager walks (lastApplied, commitIndex], calling the state machine
// strictly in index order and completing client futures. Entries still in
// the tail cache are applied from there: the leader's carry their decoded
// input, entries received from a leader are decoded first. Otherwise a
// batch is loaded from the log store and decoded.
type ApplyManager struct {
	gc     *GroupComponents
	logger *zap.Logger

	applyFiber *fiber.Fiber
}

func newApplyManager(gc *GroupComponents) *ApplyManager {
	am := &ApplyManager{gc: gc, logger: gc.logger}
	root := fiber.NewFrame(am.applyLoop).OnError(func(cause error) (fiber.FrameCallResult, error) {
		// a write-path failure breaks determinism; the group must stop
		am.logger.Error("apply fiber failed", zap.Error(cause))
		gc.group.RequestShutdown()
		return fiber.FrameReturn, nil
	})
	am.applyFiber = fiber.NewFiber("apply", gc.group, root)
	return am
}

func (am *ApplyManager) startFiber() {
	am.applyFiber.Start()
}

// signal wakes the apply loop after commitIndex advanced.
func (am *ApplyManager) signal() {
	am.gc.rs.applyCond.Signal()
}

func (am *ApplyManager) applyLoop(any) (fiber.FrameCallResult, error) {
	fb := am.applyFiber
	gc := am.gc
	rs := gc.rs
	if gc.group.IsShouldStop() {
		return fb.Return(nil)
	}
	if rs.lastApplied >= rs.commitIndex {
		gc.metrics.ApplyLag.Set(0)
		return fb.Await(rs.applyCond, am.applyLoop)
	}
	gc.metrics.ApplyLag.Set(float64(rs.commitIndex - rs.lastApplied))

	index := rs.lastApplied + 1
	if rt := rs.tailCache.Get(index); rt != nil {
		if rt.input == nil && rt.typ == raftpb.ItemTypeNormal && rt.item != nil {
			// entries a follower received from the leader carry no input yet
			it := rt.item
			decoded, err := gc.stateMachine.Decode(it.BizType, it.Header, it.Body)
			if err != nil {
				return fiber.FrameReturn, err
			}
			rt.input = &RaftInput{
				BizType: it.BizType, Header: it.Header, Body: it.Body, Decoded: decoded,
			}
		}
		am.execChain(index, rt)
		rs.lastApplied = index
		rs.tailCache.ReleaseTo(index)
		return am.applyLoop(nil)
	}

	// follower/restart path: batch-load from the store and decode
	limit := int(minU64(rs.commitIndex-rs.lastApplied, applyBatchItems))
	load := gc.logStore.LoadFrame(index, limit, applyBatchBytes)
	return fb.Call(load, func(v any) (fiber.FrameCallResult, error) {
		items := v.([]*raftpb.LogItem)
		for i, it := range items {
			rt := &RaftTask{typ: it.Type, item: it}
			if it.Type == raftpb.ItemTypeNormal {
				decoded, err := gc.stateMachine.Decode(it.BizType, it.Header, it.Body)
				if err != nil {
					return fiber.FrameReturn, err
				}
				rt.input = &RaftInput{
					BizType: it.BizType, Header: it.Header, Body: it.Body, Decoded: decoded,
				}
			}
			am.execChain(index+uint64(i), rt)
		}
		rs.lastApplied += uint64(len(items))
		rs.tailCache.ReleaseTo(rs.lastApplied)
		return am.applyLoop(nil)
	})
}

// execChain applies the write task, then any linearized reads attached at
// this index.
func (am *ApplyManager) execChain(index uint64, rt *RaftTask) {
	am.exec(index, rt)
	for _, reader := range rt.nextReaders {
		am.exec(index, reader)
	}
}

func (am *ApplyManager) exec(index uint64, rt *RaftTask) {
	gc := am.gc
	if rt.typ == raftpb.ItemTypeConfigChange {
		gc.applyConfigChange(index, rt)
		return
	}
	if rt.typ != raftpb.ItemTypeNormal {
		return
	}
	input := rt.input
	if input == nil {
		return
	}
	if input.ReadOnly && input.DeadlineNanos > 0 && gc.rs.ts.NanoTime > input.DeadlineNanos {
		if rt.future != nil {
			rt.future.CompleteExceptionally(ErrExecTimeout)
		}
		return
	}
	result, err := gc.stateMachine.Exec(index, input.Decoded)
	gc.metrics.EntriesApplied.Inc()
	if err != nil {
		if input.ReadOnly {
			// read failures are the caller's problem only
			if rt.future != nil {
				rt.future.CompleteExceptionally(err)
			}
			return
		}
		// escalate: write-path exceptions are fatal
		panicErr := err
		am.logger.Error("state machine exec failed on write path", zap.Error(panicErr))
		gc.group.RequestShutdown()
		if rt.future != nil {
			rt.future.CompleteExceptionally(panicErr)
		}
		return
	}
	if rt.future != nil {
		rt.future.Complete(&RaftOutput{Index: index, Result: result})
	}
}
