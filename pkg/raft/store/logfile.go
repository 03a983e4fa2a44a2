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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// LogFile is one fixed-size segment of the append-only log. Segments are
// named by the zero-padded hex byte offset of their first byte in the global
// log position space.
type LogFile struct {
	StartPos int64
	EndPos   int64
	File     *os.File

	// first item of this segment, written lazily on first append
	FirstIndex     uint64
	FirstTerm      uint32
	FirstTimestamp int64

	path     string
	useCount int
	deleted  bool
}

// Name returns the file base name.
func (lf *LogFile) Name() string { return filepath.Base(lf.path) }

// IncUseCount pins the file against deletion while IO is in flight.
func (lf *LogFile) IncUseCount() { lf.useCount++ }

// DescUseCount releases a pin; the file is unlinked once released and
// marked deleted.
func (lf *LogFile) DescUseCount() {
	lf.useCount--
	if lf.useCount <= 0 && lf.deleted {
		lf.unlink()
	}
}

func (lf *LogFile) markDeleted() {
	lf.deleted = true
	if lf.useCount <= 0 {
		lf.unlink()
	}
}

func (lf *LogFile) unlink() {
	_ = lf.File.Close()
	_ = os.Remove(lf.path)
}

func putFileHeader(buf []byte, magic uint32) {
	binary.BigEndian.PutUint32(buf, magic)
	binary.BigEndian.PutUint32(buf[4:], fileVersion)
}

func checkFileHeader(buf []byte, magic uint32) error {
	if binary.BigEndian.Uint32(buf) != magic {
		return errors.New("bad segment magic")
	}
	if v := binary.BigEndian.Uint32(buf[4:]); v != fileVersion {
		return errors.Newf("unsupported segment version %d", v)
	}
	return nil
}

// fileQueue manages the ordered set of equal-size segments of one store
// (log or index). All segments have size fileSize, a power of two; the
// segment owning global position p starts at p &^ (fileSize-1).
type fileQueue struct {
	dir      string
	suffix   string
	magic    uint32
	fileSize int64
	mask     int64

	files []*LogFile

	logger *zap.Logger
	closed bool
}

func newFileQueue(dir, suffix string, magic uint32, fileSize int64, logger *zap.Logger) (*fileQueue, error) {
	if fileSize <= 0 || fileSize&(fileSize-1) != 0 {
		return nil, errors.Newf("segment size must be a power of two: %d", fileSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileQueue{
		dir:      dir,
		suffix:   suffix,
		magic:    magic,
		fileSize: fileSize,
		mask:     fileSize - 1,
		logger:   logger,
	}, nil
}

func segmentName(startPos int64, suffix string) string {
	return fmt.Sprintf("%016x%s", startPos, suffix)
}

// open loads existing segments from disk, verifying naming and headers.
func (fq *fileQueue) open() error {
	entries, err := os.ReadDir(fq.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fq.suffix) {
			continue
		}
		startPos, perr := strconv.ParseInt(strings.TrimSuffix(e.Name(), fq.suffix), 16, 64)
		if perr != nil {
			return errors.Wrapf(perr, "bad segment name %s", e.Name())
		}
		path := filepath.Join(fq.dir, e.Name())
		f, oerr := os.OpenFile(path, os.O_RDWR, 0o644)
		if oerr != nil {
			return oerr
		}
		var hdr [fileHeaderSize]byte
		if _, rerr := f.ReadAt(hdr[:], 0); rerr != nil {
			_ = f.Close()
			return rerr
		}
		if herr := checkFileHeader(hdr[:], fq.magic); herr != nil {
			_ = f.Close()
			return errors.Wrapf(herr, "segment %s", e.Name())
		}
		fq.files = append(fq.files, &LogFile{
			StartPos: startPos,
			EndPos:   startPos + fq.fileSize,
			File:     f,
			path:     path,
		})
	}
	sort.Slice(fq.files, func(i, j int) bool { return fq.files[i].StartPos < fq.files[j].StartPos })
	for i := 1; i < len(fq.files); i++ {
		if fq.files[i].StartPos != fq.files[i-1].EndPos {
			return errors.Newf("segment gap between %s and %s",
				fq.files[i-1].Name(), fq.files[i].Name())
		}
	}
	return nil
}

func (fq *fileQueue) isClosed() bool { return fq.closed }

func (fq *fileQueue) close() {
	fq.closed = true
	for _, lf := range fq.files {
		_ = lf.File.Close()
	}
}

// getLogFile returns the segment owning global position pos, or nil.
func (fq *fileQueue) getLogFile(pos int64) *LogFile {
	start := pos &^ fq.mask
	if len(fq.files) == 0 {
		return nil
	}
	idx := int((start - fq.files[0].StartPos) / fq.fileSize)
	if idx < 0 || idx >= len(fq.files) {
		return nil
	}
	return fq.files[idx]
}

// nextFilePos returns the start of the segment after the one owning pos.
func (fq *fileQueue) nextFilePos(pos int64) int64 {
	return (pos &^ fq.mask) + fq.fileSize
}

// removeTail drops every segment after lf (exclusive) from the queue and
// unlinks them when unpinned.
func (fq *fileQueue) removeTail(lf *LogFile) {
	for i, f := range fq.files {
		if f == lf {
			for _, gone := range fq.files[i+1:] {
				fq.logger.Warn("deleting log segment past truncation point", zap.String("file", gone.Name()))
				gone.markDeleted()
			}
			fq.files = fq.files[:i+1]
			return
		}
	}
}

// removeHeadBefore unlinks segments entirely below keepPos.
func (fq *fileQueue) removeHeadBefore(keepPos int64) {
	for len(fq.files) > 0 && fq.files[0].EndPos <= keepPos {
		head := fq.files[0]
		fq.files = fq.files[1:]
		fq.logger.Info("deleting retired log segment", zap.String("file", head.Name()))
		head.markDeleted()
	}
}
