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
)

// RaftInput is one client submission: an opaque payload plus the decoded
// object the state machine will execute. Read-only inputs never enter the
// log; they attach to the pending write at their linearization point.
type RaftInput struct {
	BizType uint16
	Header  []byte
	Body    []byte
	Decoded any

	ReadOnly bool
	// DeadlineNanos, when non-zero, expires the request: a read-only
	// input whose deadline passed before apply completes with
	// ErrExecTimeout instead of executing.
	DeadlineNanos int64
}

// RaftOutput is the state machine result for one applied input.
type RaftOutput struct {
	Index  uint64
	Result any
}

// RaftTask tracks one pending log entry (or linearized read) from
// submission through apply. Write tasks own a LogItem in the tail cache;
// read tasks hang off the write at their attach index via nextReaders.
type RaftTask struct {
	typ    raftpb.ItemType
	input  *RaftInput
	item   *raftpb.LogItem
	future *fiber.Future

	nextReaders []*RaftTask
}

// Future returns the completion future, nil for internally raised entries.
func (t *RaftTask) Future() *fiber.Future { return t.future }

// Item returns the log item of a write task.
func (t *RaftTask) Item() *raftpb.LogItem { return t.item }

// TailCache is the contiguous range map of pending entries:
// [first, first+len) -> RaftTask. Insertion order equals log append order;
// the prefix is evicted as apply completes.
type TailCache struct {
	first uint64
	tasks []*RaftTask
}

// NewTailCache returns an empty cache.
func NewTailCache() *TailCache {
	return &TailCache{}
}

// Size returns the number of pending entries.
func (c *TailCache) Size() int { return len(c.tasks) }

// FirstPending returns the lowest pending index, 0 when empty.
func (c *TailCache) FirstPending() uint64 {
	if len(c.tasks) == 0 {
		return 0
	}
	return c.first
}

// LastPending returns the highest pending index, 0 when empty.
func (c *TailCache) LastPending() uint64 {
	if len(c.tasks) == 0 {
		return 0
	}
	return c.first + uint64(len(c.tasks)) - 1
}

// Get returns the task at index, nil if not pending.
func (c *TailCache) Get(index uint64) *RaftTask {
	if index < c.first || index >= c.first+uint64(len(c.tasks)) {
		return nil
	}
	return c.tasks[index-c.first]
}

// PendingItem implements store.PendingSource.
func (c *TailCache) PendingItem(index uint64) *raftpb.LogItem {
	t := c.Get(index)
	if t == nil {
		return nil
	}
	return t.item
}

// Put appends the task at index, which must be contiguous with the cache.
func (c *TailCache) Put(index uint64, t *RaftTask) bool {
	if len(c.tasks) == 0 {
		c.first = index
		c.tasks = append(c.tasks, t)
		return true
	}
	if index != c.first+uint64(len(c.tasks)) {
		return false
	}
	c.tasks = append(c.tasks, t)
	return true
}

// TruncateTail drops entries at and above index, failing their futures with
// err. Used when a follower discards a conflicting suffix.
func (c *TailCache) TruncateTail(index uint64, err error) {
	if index < c.first {
		c.failRange(0, len(c.tasks), err)
		c.tasks = c.tasks[:0]
		return
	}
	if index >= c.first+uint64(len(c.tasks)) {
		return
	}
	from := int(index - c.first)
	c.failRange(from, len(c.tasks), err)
	c.tasks = c.tasks[:from]
}

func (c *TailCache) failRange(from, to int, err error) {
	for _, t := range c.tasks[from:to] {
		if t.future != nil {
			t.future.CompleteExceptionally(err)
		}
		for _, r := range t.nextReaders {
			if r.future != nil {
				r.future.CompleteExceptionally(err)
			}
		}
	}
}

// ReleaseTo evicts the applied prefix up to and including index.
func (c *TailCache) ReleaseTo(index uint64) {
	if len(c.tasks) == 0 || index < c.first {
		return
	}
	n := index - c.first + 1
	if n > uint64(len(c.tasks)) {
		n = uint64(len(c.tasks))
	}
	c.tasks = c.tasks[n:]
	c.first += n
}
