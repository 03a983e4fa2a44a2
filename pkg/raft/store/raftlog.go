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

// Package store implements the durable raft log: fixed-size append-only
// segments with CRC framing, a write/force pipeline on fibers, an index
// store mapping log index to byte position, and crash recovery that
// truncates at the first invalid item.
package store

import (
	"path/filepath"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config sizes one group's log store. Zero values pick the defaults.
type Config struct {
	Dir string

	// FileSize is the segment size, a power of two. Default 64 MiB.
	FileSize int64
	// IdxFileSize is the index segment size. Default 1 MiB.
	IdxFileSize int64
	// MaxWriteBuffer caps one staged write. Default 128 KiB.
	MaxWriteBuffer int
	// IdxFlushThreshold stalls the appender when more index entries are
	// unflushed. Default 16384.
	IdxFlushThreshold int
	// IORetryInterval is the backoff vector for transient IO errors.
	IORetryInterval []time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FileSize == 0 {
		out.FileSize = 64 * 1024 * 1024
	}
	if out.IdxFileSize == 0 {
		out.IdxFileSize = 1024 * 1024
	}
	if out.MaxWriteBuffer == 0 {
		out.MaxWriteBuffer = 128 * 1024
	}
	if out.IdxFlushThreshold == 0 {
		out.IdxFlushThreshold = 16384
	}
	if len(out.IORetryInterval) == 0 {
		out.IORetryInterval = []time.Duration{
			100 * time.Millisecond, time.Second, 3 * time.Second, 5 * time.Second,
		}
	}
	return out
}

// RestoreResult reports where the log ends after crash recovery.
type RestoreResult struct {
	LastIndex uint64
	LastTerm  uint32
	// NextPersistPos is the global byte position for the next append.
	NextPersistPos int64
}

// LogStore is the durable log of one raft group.
type LogStore struct {
	cfg    Config
	group  *fiber.Group
	exec   *IOExecutor
	logger *zap.Logger

	logFiles *fileQueue
	idx      *idxStore
	appender *logAppender
}

// NewLogStore creates the store under cfg.Dir: segments in log/, index in
// idx/. pending and cb wire the raft tail cache and durable-prefix
// callback.
func NewLogStore(cfg Config, g *fiber.Group, exec *IOExecutor,
	pending PendingSource, cb AppendCallback, logger *zap.Logger) (*LogStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	lq, err := newFileQueue(filepath.Join(cfg.Dir, "log"), ".lf", logFileMagic, cfg.FileSize, logger)
	if err != nil {
		return nil, err
	}
	ls := &LogStore{
		cfg:      cfg,
		group:    g,
		exec:     exec,
		logger:   logger,
		logFiles: lq,
	}
	ls.idx, err = newIdxStore(filepath.Join(cfg.Dir, "idx"), cfg.IdxFileSize,
		cfg.IdxFlushThreshold, g, exec, cfg.IORetryInterval, logger)
	if err != nil {
		return nil, err
	}
	ls.appender = newLogAppender(ls, pending, cb)
	return ls, nil
}

// Init recovers the log given the persisted commit index and its byte
// position, then positions the appender. Blocking; call before fibers
// start.
func (ls *LogStore) Init(commitIndex uint64, commitIndexPos int64) (RestoreResult, error) {
	if err := ls.logFiles.open(); err != nil {
		return RestoreResult{}, err
	}
	r := newRestorer(ls.idx, commitIndex, commitIndexPos, ls.logger)
	if commitIndex > 0 {
		ls.idx.setBase(commitIndex)
	} else {
		ls.idx.setBase(1)
	}

	res := RestoreResult{NextPersistPos: fileHeaderSize}
	if len(ls.logFiles.files) == 0 {
		// empty log: either a fresh group, or everything below the commit
		// anchor was compacted into a snapshot
		res.LastIndex = commitIndex
		ls.appender.setNext(commitIndex+1, res.NextPersistPos)
		return res, nil
	}

	startFile := ls.logFiles.getLogFile(commitIndexPos)
	if startFile == nil {
		startFile = ls.logFiles.files[0]
	}
	offset := commitIndexPos & ls.logFiles.mask
	if commitIndexPos < startFile.StartPos || offset < fileHeaderSize {
		offset = fileHeaderSize
	}

	var lastFile *LogFile
	var stopPos int64
	started := false
	for _, lf := range ls.logFiles.files {
		if lf.StartPos < startFile.StartPos {
			continue
		}
		if started {
			offset = fileHeaderSize
		}
		started = true
		pos, cont, err := r.restoreFile(lf, offset)
		if err != nil {
			return RestoreResult{}, err
		}
		lastFile = lf
		stopPos = pos
		if !cont {
			break
		}
	}
	if lastFile != nil {
		ls.logFiles.removeTail(lastFile)
	}

	res.LastIndex = r.previousIndex
	res.LastTerm = r.previousTerm
	if lastFile != nil {
		res.NextPersistPos = lastFile.StartPos + stopPos
	}
	next := res.LastIndex + 1
	if res.LastIndex == 0 {
		next = 1
	}
	ls.appender.setNext(next, res.NextPersistPos)
	ls.logger.Info("log restored",
		zap.Uint64("lastIndex", res.LastIndex),
		zap.Uint32("lastTerm", res.LastTerm),
		zap.Int64("nextPersistPos", res.NextPersistPos))
	return res, nil
}

// StartFibers launches the append, force and index flush fibers. Call from
// the dispatcher after Init.
func (ls *LogStore) StartFibers() {
	ls.appender.startFibers()
	ls.idx.startFiber()
}

// SignalAppend wakes the appender after the tail cache grew.
func (ls *LogStore) SignalAppend() {
	ls.appender.signalAppend()
}

// WaitWriteFinishFrame completes when everything pending is durable.
func (ls *LogStore) WaitWriteFinishFrame() *fiber.Frame {
	return ls.appender.waitWriteFinishFrame()
}

// Pos returns the byte position of index if it is still in the in-memory
// index tail.
func (ls *LogStore) Pos(index uint64) (int64, bool) {
	return ls.idx.pos(index)
}

// TruncateTail discards the unpersisted/conflicting suffix starting at
// index and repositions the appender there. index must be above the commit
// index and inside the known log. Dispatcher goroutine only.
func (ls *LogStore) TruncateTail(index uint64) error {
	pos, ok := ls.idx.pos(index)
	if !ok {
		return errors.Newf("truncate index %d not in index cache", index)
	}
	ls.idx.truncateTail(index)
	lf := ls.logFiles.getLogFile(pos)
	if lf == nil {
		return errors.Newf("truncate pos %d has no segment", pos)
	}
	ls.logFiles.removeTail(lf)
	ls.appender.setNext(index, pos)
	ls.logger.Info("log tail truncated", zap.Uint64("index", index), zap.Int64("pos", pos))
	return nil
}

// NextPersistIndex returns the first index the appender has not yet staged.
func (ls *LogStore) NextPersistIndex() uint64 {
	return ls.appender.nextPersistIndex
}

// IdxFlushedIndex returns the highest index whose position entry is durable
// in the index store. The persisted commit anchor must not pass it, or a
// restart could not resolve positions below the anchor.
func (ls *LogStore) IdxFlushedIndex() uint64 {
	if ls.idx.nextFlushIndex == 0 {
		return 0
	}
	return ls.idx.nextFlushIndex - 1
}

// ResetAfterSnapshot discards the whole log after a snapshot installation
// and repositions the appender at nextIndex in a fresh segment. Dispatcher
// goroutine only.
func (ls *LogStore) ResetAfterSnapshot(nextIndex uint64) {
	next := int64(fileHeaderSize)
	if n := len(ls.logFiles.files); n > 0 {
		next = ls.logFiles.files[n-1].EndPos + fileHeaderSize
		for _, f := range ls.logFiles.files {
			f.markDeleted()
		}
		ls.logFiles.files = nil
	}
	ls.idx.setBase(nextIndex)
	ls.appender.setNext(nextIndex, next)
	ls.logger.Info("log reset after snapshot",
		zap.Uint64("nextIndex", nextIndex), zap.Int64("nextPersistPos", next))
}

// MarkTruncateHead deletes whole segments whose items all precede
// firstRequiredIndex (after a snapshot made them obsolete). Segments still
// pinned by in-flight IO are unlinked when released.
func (ls *LogStore) MarkTruncateHead(firstRequiredIndex uint64) {
	pos, ok := ls.idx.pos(firstRequiredIndex)
	if !ok {
		return
	}
	ls.logFiles.removeHeadBefore(pos &^ ls.logFiles.mask)
}

// LoadFrame reads up to limit items (or bytesLimit encoded bytes) starting
// at startIndex. The frame result is []*raftpb.LogItem.
func (ls *LogStore) LoadFrame(startIndex uint64, limit int, bytesLimit int) *fiber.Frame {
	var fr *fiber.Frame
	body := func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		pos, ok := ls.idx.pos(startIndex)
		var fu *fiber.Future
		if ok {
			fu = ls.group.NewCompletedFuture("loadPos", pos)
		} else {
			fu = ls.group.NewFuture("loadPos")
			ls.exec.Submit(func() {
				p, err := ls.idx.readPos(startIndex)
				if err != nil {
					fu.FireCompleteExceptionally(err)
				} else {
					fu.FireComplete(p)
				}
			})
		}
		// snapshot the segment list on the dispatcher; the IO goroutine
		// must not race the appender growing it
		files := append([]*LogFile(nil), ls.logFiles.files...)
		return fb.Await(fu, func(v any) (fiber.FrameCallResult, error) {
			startPos := v.(int64)
			out := ls.group.NewFuture("loadItems")
			ls.exec.Submit(func() {
				items, err := ls.readItems(files, startPos, startIndex, limit, bytesLimit)
				if err != nil {
					out.FireCompleteExceptionally(err)
				} else {
					out.FireComplete(items)
				}
			})
			return fb.Await(out, func(v any) (fiber.FrameCallResult, error) {
				return fb.Return(v)
			})
		})
	}
	fr = fiber.NewFrame(body)
	return fr
}

// readItems sequentially decodes frames from startPos. Runs on the IO
// executor against a segment snapshot; reads only regions below the
// appender write position, which are immutable.
func (ls *LogStore) readItems(files []*LogFile, startPos int64, startIndex uint64,
	limit, bytesLimit int) ([]*raftpb.LogItem, error) {
	getFile := func(pos int64) *LogFile {
		start := pos &^ ls.logFiles.mask
		for _, lf := range files {
			if lf.StartPos == start {
				return lf
			}
		}
		return nil
	}
	var out []*raftpb.LogItem
	pos := startPos
	bytesRead := 0
	hdr := make([]byte, itemHeaderSize)
	for len(out) < limit && bytesRead < bytesLimit {
		lf := getFile(pos)
		if lf == nil {
			break
		}
		inFile := pos & ls.logFiles.mask
		if inFile < fileHeaderSize {
			pos = lf.StartPos + fileHeaderSize
			continue
		}
		if inFile+itemHeaderSize > ls.cfg.FileSize {
			pos = ls.logFiles.nextFilePos(pos) + fileHeaderSize
			continue
		}
		if _, err := lf.File.ReadAt(hdr, inFile); err != nil {
			return nil, err
		}
		h := decodeItemHeader(hdr)
		if h.isEndMark() {
			pos = ls.logFiles.nextFilePos(pos) + fileHeaderSize
			continue
		}
		if !h.crcOK(hdr) {
			return nil, errors.Wrapf(errItemCrc, "load at pos %d", pos)
		}
		frame := make([]byte, h.totalLen)
		if _, err := lf.File.ReadAt(frame, inFile); err != nil {
			return nil, err
		}
		it, err := decodeItem(h, frame)
		if err != nil {
			return nil, errors.Wrapf(err, "load at pos %d", pos)
		}
		if it.Index != startIndex+uint64(len(out)) {
			return nil, errors.Newf("load expected index %d, got %d",
				startIndex+uint64(len(out)), it.Index)
		}
		out = append(out, it)
		bytesRead += int(h.totalLen)
		pos += int64(h.totalLen)
	}
	if len(out) == 0 {
		return nil, errors.Newf("no items loadable at index %d", startIndex)
	}
	return out, nil
}

// ensureWritePosFrame makes the segment owning pos exist, creating it on
// the IO executor if needed.
func (ls *LogStore) ensureWritePosFrame(pos int64) *fiber.Frame {
	var fr *fiber.Frame
	body := func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		if ls.logFiles.getLogFile(pos) != nil {
			return fb.Return(nil)
		}
		fu := ls.group.NewFuture("allocSegment")
		ls.exec.Submit(func() {
			lf, err := ls.allocSegment(pos)
			if err != nil {
				fu.FireCompleteExceptionally(err)
			} else {
				fu.FireComplete(lf)
			}
		})
		return fb.Await(fu, func(v any) (fiber.FrameCallResult, error) {
			ls.logFiles.files = append(ls.logFiles.files, v.(*LogFile))
			return fb.Return(nil)
		})
	}
	fr = fiber.NewFrame(body)
	return fr
}

// allocSegment creates the segment file owning pos. Runs on the IO
// executor; registration into the queue happens back on the dispatcher.
func (ls *LogStore) allocSegment(pos int64) (*LogFile, error) {
	start := pos &^ ls.logFiles.mask
	path := filepath.Join(ls.logFiles.dir, segmentName(start, ls.logFiles.suffix))
	f, err := createFixedSizeFile(path, ls.cfg.FileSize, logFileMagic)
	if err != nil {
		return nil, err
	}
	return &LogFile{StartPos: start, EndPos: start + ls.cfg.FileSize, File: f, path: path}, nil
}

// Close stops accepting work and closes files. Pending fibers observe the
// closed flag and drain.
func (ls *LogStore) Close() {
	ls.logFiles.closed = true
	ls.appender.needAppend.Signal()
	ls.appender.noPending.SignalAll()
	ls.appender.writer.needForce.Signal()
	ls.idx.close()
	ls.logFiles.close()
}
