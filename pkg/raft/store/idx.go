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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// The index store maps log index -> byte position of the item frame in the
// global log position space. Entries are 12 bytes: fixed64 position plus a
// crc32c over (index, position), so a torn index write is detectable the
// same way a torn log write is. Index writes lag log writes and are flushed
// by a dedicated fiber; the appender stalls via needWaitFlush when too many
// entries are unflushed.
const idxEntrySize = 12

type idxStore struct {
	dir      string
	fileSize int64
	perFile  uint64

	group  *fiber.Group
	exec   *IOExecutor
	logger *zap.Logger

	filesMu sync.Mutex
	files   map[uint64]*os.File // keyed by first index of the file

	// contiguous in-memory tail: positions for [base, base+len(cache))
	base  uint64
	cache []int64

	nextFlushIndex uint64 // first index not yet durable in the idx files
	flushThreshold int

	needFlush  *fiber.Condition
	flushedCnd *fiber.Condition
	flushFiber *fiber.Fiber

	retryInterval []time.Duration
	closed        bool
}

func newIdxStore(dir string, fileSize int64, flushThreshold int, g *fiber.Group,
	exec *IOExecutor, retry []time.Duration, logger *zap.Logger) (*idxStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &idxStore{
		dir:            dir,
		fileSize:       fileSize,
		perFile:        uint64((fileSize - fileHeaderSize) / idxEntrySize),
		group:          g,
		exec:           exec,
		logger:         logger,
		files:          make(map[uint64]*os.File),
		flushThreshold: flushThreshold,
		retryInterval:  retry,
	}
	s.needFlush = g.NewCondition("idxNeedFlush")
	s.flushedCnd = g.NewCondition("idxFlushed")
	root := fiber.NewFrame(s.flushLoop).OnError(func(cause error) (fiber.FrameCallResult, error) {
		logger.Error("idx flush fiber failed", zap.Error(cause))
		g.RequestShutdown()
		return fiber.FrameReturn, nil
	})
	s.flushFiber = fiber.NewFiber("idxFlush", g, root)
	return s, nil
}

// setBase positions the in-memory tail at the restore point. Startup only.
func (s *idxStore) setBase(firstIndex uint64) {
	s.base = firstIndex
	s.cache = s.cache[:0]
	s.nextFlushIndex = firstIndex
}

func (s *idxStore) startFiber() {
	s.flushFiber.Start()
}

func (s *idxStore) close() {
	s.closed = true
	s.needFlush.Signal()
	for _, f := range s.files {
		_ = f.Close()
	}
}

// put records the position of index. Indexes arrive contiguously; an
// overwrite of a cached suffix (conflict truncation) rolls the tail back.
func (s *idxStore) put(index uint64, pos int64) error {
	switch {
	case len(s.cache) == 0:
		s.base = index
		s.cache = append(s.cache, pos)
	case index == s.base+uint64(len(s.cache)):
		s.cache = append(s.cache, pos)
	case index >= s.base && index < s.base+uint64(len(s.cache)):
		s.cache = s.cache[:index-s.base]
		s.cache = append(s.cache, pos)
		if s.nextFlushIndex > index {
			s.nextFlushIndex = index
		}
	default:
		return errors.Newf("idx put out of order: index=%d base=%d len=%d", index, s.base, len(s.cache))
	}
	s.needFlush.Signal()
	return nil
}

// pos returns the cached position of index.
func (s *idxStore) pos(index uint64) (int64, bool) {
	if index < s.base || index >= s.base+uint64(len(s.cache)) {
		return 0, false
	}
	return s.cache[index-s.base], true
}

// lastIndex returns the highest indexed entry, or 0 when empty.
func (s *idxStore) lastIndex() uint64 {
	if len(s.cache) == 0 {
		return 0
	}
	return s.base + uint64(len(s.cache)) - 1
}

// truncateTail drops cached entries at and above index.
func (s *idxStore) truncateTail(index uint64) {
	if index < s.base {
		s.cache = s.cache[:0]
		s.base = index
	} else if index < s.base+uint64(len(s.cache)) {
		s.cache = s.cache[:index-s.base]
	}
	if s.nextFlushIndex > index {
		s.nextFlushIndex = index
	}
}

func (s *idxStore) needWaitFlush() bool {
	last := s.base + uint64(len(s.cache))
	return last-s.nextFlushIndex > uint64(s.flushThreshold)
}

// waitFlushFrame suspends the calling fiber until the unflushed tail shrank
// below the threshold.
func (s *idxStore) waitFlushFrame() *fiber.Frame {
	var fr *fiber.Frame
	var body fiber.FrameCall
	body = func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		if s.closed || !s.needWaitFlush() {
			return fb.Return(nil)
		}
		return fb.Await(s.flushedCnd, body)
	}
	fr = fiber.NewFrame(body)
	return fr
}

func (s *idxStore) flushLoop(any) (fiber.FrameCallResult, error) {
	fb := s.flushFiber
	if s.closed {
		return fb.Return(nil)
	}
	last := s.base + uint64(len(s.cache))
	if s.nextFlushIndex >= last {
		return fb.Await(s.needFlush, s.flushLoop)
	}
	from, to := s.nextFlushIndex, last
	// snapshot on the dispatcher; the IO goroutine must not touch the cache
	entries := make([]idxEntry, 0, to-from)
	for i := from; i < to; i++ {
		p, _ := s.pos(i)
		entries = append(entries, idxEntry{index: i, pos: p})
	}
	fu := s.group.NewFuture("idxFlushIO")
	s.exec.Submit(func() {
		if err := s.writeEntries(entries); err != nil {
			fu.FireCompleteExceptionally(err)
		} else {
			fu.FireComplete(nil)
		}
	})
	return fb.Await(fu, func(any) (fiber.FrameCallResult, error) {
		if s.nextFlushIndex < to {
			s.nextFlushIndex = to
		}
		s.flushedCnd.SignalAll()
		return s.flushLoop(nil)
	})
}

type idxEntry struct {
	index uint64
	pos   int64
}

// writeEntries persists the snapshot and syncs the touched files. Runs on
// the IO executor.
func (s *idxStore) writeEntries(entries []idxEntry) error {
	var touched []*os.File
	for _, e := range entries {
		f, off, err := s.fileFor(e.index)
		if err != nil {
			return err
		}
		var entry [idxEntrySize]byte
		binary.BigEndian.PutUint64(entry[:], uint64(e.pos))
		var key [16]byte
		binary.BigEndian.PutUint64(key[:], e.index)
		binary.BigEndian.PutUint64(key[8:], uint64(e.pos))
		binary.BigEndian.PutUint32(entry[8:], crc32.Checksum(key[:], castagnoli))
		if _, err := f.WriteAt(entry[:], off); err != nil {
			return err
		}
		if len(touched) == 0 || touched[len(touched)-1] != f {
			touched = append(touched, f)
		}
	}
	for _, f := range touched {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (s *idxStore) fileFor(index uint64) (*os.File, int64, error) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	first := index / s.perFile * s.perFile
	off := fileHeaderSize + int64(index-first)*idxEntrySize
	if f, ok := s.files[first]; ok {
		return f, off, nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%016x.if", first*idxEntrySize))
	f, err := createFixedSizeFile(path, s.fileSize, idxFileMagic)
	if err != nil {
		return nil, 0, err
	}
	s.files[first] = f
	return f, off, nil
}

// readPos loads the position of index from the idx files, verifying the
// entry crc. Runs on the IO executor.
func (s *idxStore) readPos(index uint64) (int64, error) {
	f, off, err := s.fileFor(index)
	if err != nil {
		return 0, err
	}
	var entry [idxEntrySize]byte
	if _, err := f.ReadAt(entry[:], off); err != nil {
		return 0, err
	}
	pos := int64(binary.BigEndian.Uint64(entry[:]))
	var key [16]byte
	binary.BigEndian.PutUint64(key[:], index)
	binary.BigEndian.PutUint64(key[8:], uint64(pos))
	if binary.BigEndian.Uint32(entry[8:]) != crc32.Checksum(key[:], castagnoli) {
		return 0, errors.Newf("idx entry crc mismatch at index %d", index)
	}
	return pos, nil
}
