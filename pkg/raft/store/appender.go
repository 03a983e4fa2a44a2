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
	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// PendingSource is the appender's view of the raft tail cache: the
// contiguous range of entries not yet durably persisted.
type PendingSource interface {
	FirstPending() uint64
	LastPending() uint64
	PendingItem(index uint64) *raftpb.LogItem
}

// AppendCallback reports a durably persisted prefix: everything up to and
// including lastIndex reached stable storage.
type AppendCallback func(lastTerm uint32, lastIndex uint64)

// logAppender drains the tail cache into segment files. One fiber encodes
// and writes; the chain writer's force fiber batches fsyncs and drives the
// append callback.
type logAppender struct {
	store   *LogStore
	pending PendingSource
	cb      AppendCallback
	writer  *chainWriter
	logger  *zap.Logger

	nextPersistIndex uint64
	nextPersistPos   int64

	appendFiber *fiber.Fiber
	needAppend  *fiber.Condition
	noPending   *fiber.Condition
}

func newLogAppender(ls *LogStore, pending PendingSource, cb AppendCallback) *logAppender {
	a := &logAppender{
		store:   ls,
		pending: pending,
		cb:      cb,
		logger:  ls.logger,
	}
	g := ls.group
	a.needAppend = g.NewCondition("needAppend")
	a.noPending = g.NewCondition("noPending")
	a.writer = newChainWriter("logAppend", g, ls.exec, ls.cfg.IORetryInterval,
		ls.logFiles.isClosed, ls.logFiles.isClosed, ls.logger)
	a.writer.forceFinish = a.afterForce
	root := fiber.NewFrame(a.appendLoop).OnError(func(cause error) (fiber.FrameCallResult, error) {
		a.logger.Error("append fiber failed", zap.Error(cause))
		g.RequestShutdown()
		return fiber.FrameReturn, nil
	})
	a.appendFiber = fiber.NewFiber("append", g, root)
	return a
}

func (a *logAppender) startFibers() {
	a.appendFiber.Start()
	a.writer.startForceFiber()
}

// setNext positions the appender after restore or truncation.
func (a *logAppender) setNext(nextPersistIndex uint64, nextPersistPos int64) {
	a.nextPersistIndex = nextPersistIndex
	a.nextPersistPos = nextPersistPos
}

// signalAppend wakes the append fiber; call whenever the tail cache grew.
func (a *logAppender) signalAppend() {
	a.needAppend.Signal()
}

func (a *logAppender) appendLoop(any) (fiber.FrameCallResult, error) {
	fb := a.appendFiber
	if a.store.logFiles.isClosed() {
		return fb.Return(nil)
	}
	if a.store.idx.needWaitFlush() {
		return fb.Call(a.store.idx.waitFlushFrame(), a.appendLoop)
	}
	last := a.pending.LastPending()
	if last > 0 && last >= a.nextPersistIndex {
		if first := a.pending.FirstPending(); a.nextPersistIndex < first {
			return fiber.FrameReturn, errors.Newf(
				"nextPersistIndex %d below tail cache first %d", a.nextPersistIndex, first)
		}
		// a fully written segment leaves the position at its end; items
		// start after the next segment's header
		if a.nextPersistPos&a.store.logFiles.mask < fileHeaderSize {
			a.nextPersistPos = a.nextPersistPos&^a.store.logFiles.mask + fileHeaderSize
		}
		return fb.Call(a.store.ensureWritePosFrame(a.nextPersistPos), a.afterPosReady)
	}
	return fb.Await(a.needAppend, a.appendLoop)
}

func (a *logAppender) afterPosReady(any) (fiber.FrameCallResult, error) {
	if a.store.logFiles.isClosed() {
		return a.appendFiber.Return(nil)
	}
	if err := a.writeData(); err != nil {
		return fiber.FrameReturn, err
	}
	return a.appendLoop(nil)
}

// writeData drains as much of the tail cache as fits in the current
// segment, encodes it and submits contiguous write tasks. Items never span
// segments: when fewer than a header's worth of bytes remain, an all-zero
// end mark closes the segment and the next item starts in the next one.
func (a *logAppender) writeData() error {
	file := a.store.logFiles.getLogFile(a.nextPersistPos)
	fileRest := file.EndPos - a.nextPersistPos

	var items []*raftpb.LogItem
	bytesToWrite := 0
	rollNextFile, endMark := false, false
	for last := a.pending.LastPending(); a.nextPersistIndex <= last; {
		it := a.pending.PendingItem(a.nextPersistIndex)
		frameLen := it.PersistedSize()
		if int64(frameLen) > fileRest {
			rollNextFile = true
			if fileRest >= itemHeaderSize {
				endMark = true
			}
			break
		}
		items = append(items, it)
		bytesToWrite += frameLen
		fileRest -= int64(frameLen)
		a.nextPersistIndex++
		a.nextPersistPos += int64(frameLen)
	}

	writeStartPosInFile := (a.nextPersistPos - int64(bytesToWrite)) & a.store.logFiles.mask
	if len(items) > 0 {
		if err := a.encodeAndSubmit(file, items, writeStartPosInFile, bytesToWrite); err != nil {
			return err
		}
	}
	if endMark {
		buf := borrowBuf(itemHeaderSize)
		writeEndMark(buf)
		a.writer.submitWrite(&writeTask{
			file:          file,
			buf:           buf,
			posInFile:     writeStartPosInFile + int64(bytesToWrite),
			expectNextPos: writeStartPosInFile + int64(bytesToWrite) + itemHeaderSize,
		})
	}
	if rollNextFile {
		next := a.store.logFiles.nextFilePos(a.nextPersistPos) + fileHeaderSize
		a.logger.Info("segment full, rolling",
			zap.String("file", file.Name()),
			zap.Int64("nextPersistPos", next))
		a.nextPersistPos = next
	}
	return nil
}

func (a *logAppender) encodeAndSubmit(file *LogFile, items []*raftpb.LogItem,
	writeStartPosInFile int64, bytesToWrite int) error {
	maxBuf := a.store.cfg.MaxWriteBuffer
	posInFile := writeStartPosInFile
	buf := borrowBuf(min(bytesToWrite, maxBuf))
	used := 0
	var lastItem *raftpb.LogItem

	flush := func() {
		if used == 0 {
			return
		}
		t := &writeTask{
			file:          file,
			buf:           buf[:used],
			posInFile:     posInFile,
			expectNextPos: posInFile + int64(used),
			force:         lastItem != nil,
		}
		if lastItem != nil {
			t.lastTerm = lastItem.Term
			t.lastIndex = lastItem.Index
		}
		a.writer.submitWrite(t)
		posInFile += int64(used)
		bytesToWrite -= used
		used = 0
		lastItem = nil
		buf = borrowBuf(min(bytesToWrite, maxBuf))
	}

	for _, it := range items {
		if file.FirstIndex == 0 {
			file.FirstIndex = it.Index
			file.FirstTerm = it.Term
			file.FirstTimestamp = it.Timestamp
		}
		frameLen := it.PersistedSize()
		if used+frameLen > len(buf) {
			flush()
			if frameLen > len(buf) {
				releaseBuf(buf)
				buf = borrowBuf(frameLen)
			}
		}
		encodeItem(buf[used:], it)
		dataPos := file.StartPos + posInFile + int64(used)
		if err := a.store.idx.put(it.Index, dataPos); err != nil {
			return err
		}
		used += frameLen
		lastItem = it
	}
	flush()
	releaseBuf(buf)
	return nil
}

// afterForce runs on the force fiber after a batch reached stable storage;
// it publishes the new durable prefix to raft.
func (a *logAppender) afterForce(t *writeTask) {
	a.cb(t.lastTerm, t.lastIndex)
	if t.lastIndex >= a.pending.LastPending() {
		a.noPending.SignalAll()
	}
}

// waitWriteFinishFrame blocks until everything in the tail cache at call
// time is durable, or the store is closing.
func (a *logAppender) waitWriteFinishFrame() *fiber.Frame {
	var fr *fiber.Frame
	var body fiber.FrameCall
	body = func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		if fb.Group().IsShouldStop() || a.store.logFiles.isClosed() {
			return fb.Return(nil)
		}
		last := a.pending.LastPending()
		if (last > 0 && a.nextPersistIndex <= last) || a.writer.hasTask() {
			return fb.Await(a.noPending, body)
		}
		return fb.Return(nil)
	}
	fr = fiber.NewFrame(body)
	return fr
}
