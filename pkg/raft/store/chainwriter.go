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

package store

import (
	"sync"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"go.uber.org/zap"
)

// writeTask is one contiguous write against a segment, carrying the raft
// position of the last whole item it contains (zero for filler writes such
// as the end-of-segment mark).
type writeTask struct {
	file *LogFile
	buf  []byte

	posInFile     int64
	expectNextPos int64
	force         bool

	lastTerm  uint32
	lastIndex uint64

	io *asyncIOTask
}

// chainWriter orders writes and batches fsyncs for one segmented store.
// Writes within a segment must be byte-contiguous; the force fiber batches
// consecutive completed tasks on the same file into a single sync.
type chainWriter struct {
	group  *fiber.Group
	exec   *IOExecutor
	logger *zap.Logger

	retryInterval []time.Duration
	cancel        func() bool
	closed        func() bool

	writeTasks []*writeTask
	forceTasks []*writeTask
	forcing    bool

	needForce  *fiber.Condition
	forceFiber *fiber.Fiber

	// writeFinish runs when a force-bearing task and all its predecessors
	// finished writing; forceFinish after its batch reached stable storage.
	writeFinish func(t *writeTask)
	forceFinish func(t *writeTask)
}

func newChainWriter(name string, g *fiber.Group, exec *IOExecutor, retry []time.Duration,
	cancel, closed func() bool, logger *zap.Logger) *chainWriter {
	w := &chainWriter{
		group:         g,
		exec:          exec,
		logger:        logger,
		retryInterval: retry,
		cancel:        cancel,
		closed:        closed,
	}
	w.needForce = g.NewCondition(name + "-needForce")
	root := fiber.NewFrame(w.forceLoop).OnError(func(cause error) (fiber.FrameCallResult, error) {
		w.logger.Error("force fiber failed", zap.Error(cause))
		g.RequestShutdown()
		return fiber.FrameReturn, nil
	})
	w.forceFiber = fiber.NewFiber(name+"-force", g, root)
	return w
}

func (w *chainWriter) startForceFiber() {
	w.forceFiber.Start()
}

func (w *chainWriter) hasTask() bool {
	return len(w.writeTasks) > 0 || len(w.forceTasks) > 0 || w.forcing
}

func (w *chainWriter) submitWrite(t *writeTask) {
	if n := len(w.writeTasks); n > 0 {
		last := w.writeTasks[n-1]
		if last.file == t.file && last.expectNextPos != t.posInFile {
			w.logger.Error("write pos not continuous",
				zap.Int64("expect", last.expectNextPos), zap.Int64("got", t.posInFile))
			w.group.RequestShutdown()
			return
		}
	}
	t.io = newAsyncIOTask(w.group, w.exec, t.file, w.retryInterval, true, w.cancel)
	fu := t.io.write(t.buf, t.posInFile)
	w.writeTasks = append(w.writeTasks, t)
	fu.RegisterCallback(func(_ any, err error) {
		w.afterWrite(t, err)
	})
}

func (w *chainWriter) afterWrite(t *writeTask, ioErr error) {
	releaseBuf(t.buf)
	t.buf = nil
	if w.closed() {
		return
	}
	if ioErr != nil {
		w.logger.Error("write segment error", zap.String("file", t.file.Name()), zap.Error(ioErr))
		w.group.RequestShutdown()
		return
	}
	var lastNeedCallback *writeTask
	for len(w.writeTasks) > 0 {
		head := w.writeTasks[0]
		if head.io == nil || !head.io.future.IsDone() {
			break
		}
		w.writeTasks = w.writeTasks[1:]
		if head.force {
			lastNeedCallback = head
			w.forceTasks = append(w.forceTasks, head)
		}
	}
	if lastNeedCallback != nil {
		w.needForce.Signal()
		if w.writeFinish != nil {
			w.writeFinish(lastNeedCallback)
		}
	}
}

func (w *chainWriter) forceLoop(any) (fiber.FrameCallResult, error) {
	fb := w.forceFiber
	if w.closed() && !w.hasTask() {
		return fb.Return(nil)
	}
	if len(w.forceTasks) == 0 {
		return fb.Await(w.needForce, w.forceLoop)
	}
	task := w.forceTasks[0]
	w.forceTasks = w.forceTasks[1:]
	for len(w.forceTasks) > 0 && w.forceTasks[0].file == task.file {
		task = w.forceTasks[0]
		w.forceTasks = w.forceTasks[1:]
	}
	task.file.IncUseCount()
	w.forcing = true
	syncTask := newAsyncIOTask(w.group, w.exec, task.file, w.retryInterval, false, w.cancel)
	return fb.Await(syncTask.sync(), func(any) (fiber.FrameCallResult, error) {
		task.file.DescUseCount()
		w.forcing = false
		if w.forceFinish != nil {
			w.forceFinish(task)
		}
		return w.forceLoop(nil)
	})
}

// buffer pool for encode-and-write staging

var bufPool = sync.Pool{
	New: func() any { return make([]byte, 0, 64*1024) },
}

func borrowBuf(n int) []byte {
	b := bufPool.Get().([]byte)
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func releaseBuf(b []byte) {
	if b == nil {
		return
	}
	bufPool.Put(b[:0]) //nolint:staticcheck
}
