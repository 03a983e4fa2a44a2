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
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// restorer rebuilds the in-memory log view from segment files at startup.
// Scanning starts at the persisted commit index position; every later item
// must chain correctly (index +1, prevLogTerm == previous term, term
// non-decreasing) and carry valid CRCs. The first violation truncates the
// log there.
type restorer struct {
	idx    *idxStore
	logger *zap.Logger

	commitIndex    uint64
	commitIndexPos int64

	commitIndexChecked bool

	previousIndex uint64
	previousTerm  uint32
}

func newRestorer(idx *idxStore, commitIndex uint64, commitIndexPos int64, logger *zap.Logger) *restorer {
	r := &restorer{
		idx:            idx,
		logger:         logger,
		commitIndex:    commitIndex,
		commitIndexPos: commitIndexPos,
	}
	if commitIndex == 0 {
		// empty log: everything from position zero must chain from scratch
		r.commitIndexChecked = true
	}
	return r
}

// restoreFile scans one segment starting at the file-local offset
// itemStartPos. It returns the position after the last valid item and
// whether scanning should continue into the next segment.
func (r *restorer) restoreFile(lf *LogFile, itemStartPos int64) (stopPos int64, cont bool, err error) {
	r.logger.Info("restoring segment", zap.String("file", lf.Name()), zap.Int64("from", itemStartPos))
	if itemStartPos < fileHeaderSize {
		return 0, false, errors.Newf("restore offset %d inside header of %s", itemStartPos, lf.Name())
	}

	buf := make([]byte, 64*1024)
	for itemStartPos+itemHeaderSize <= lf.EndPos-lf.StartPos {
		hdrBuf := buf[:itemHeaderSize]
		if _, err := io.ReadFull(io.NewSectionReader(lf.File, itemStartPos, itemHeaderSize), hdrBuf); err != nil {
			return itemStartPos, false, nil
		}
		h := decodeItemHeader(hdrBuf)
		if h.isEndMark() {
			r.logger.Info("reached end mark", zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
			// the appender closes a full segment this way; the log goes on
			// in the next segment
			return itemStartPos, true, nil
		}
		if !h.crcOK(hdrBuf) {
			r.logger.Warn("item header crc mismatch, truncating",
				zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
			return itemStartPos, false, nil
		}
		if r.commitIndexChecked {
			if h.prevLogTerm != r.previousTerm {
				r.logger.Warn("prevLogTerm mismatch, truncating",
					zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos),
					zap.Uint32("want", r.previousTerm), zap.Uint32("got", h.prevLogTerm))
				return itemStartPos, false, nil
			}
			if h.index != r.previousIndex+1 {
				r.logger.Warn("index mismatch, truncating",
					zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos),
					zap.Uint64("want", r.previousIndex+1), zap.Uint64("got", h.index))
				return itemStartPos, false, nil
			}
			if h.term < r.previousTerm {
				r.logger.Warn("term regression, truncating",
					zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
				return itemStartPos, false, nil
			}
		} else {
			if h.index != r.commitIndex {
				return 0, false, errors.Newf(
					"item at commitIndexPos has index %d, want commitIndex %d", h.index, r.commitIndex)
			}
			if h.totalLen == 0 || h.headLen == 0 || h.term == 0 {
				return 0, false, errors.Newf("bad item at commitIndexPos in %s", lf.Name())
			}
		}
		if h.totalLen < uint32(h.headLen) {
			r.logger.Warn("totalLen < headLen, truncating",
				zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
			return itemStartPos, false, nil
		}
		if itemStartPos+int64(h.totalLen) > lf.EndPos-lf.StartPos {
			r.logger.Warn("item overruns segment, truncating",
				zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
			return itemStartPos, false, nil
		}

		frame := buf
		if int(h.totalLen) > len(frame) {
			frame = make([]byte, h.totalLen)
		}
		frame = frame[:h.totalLen]
		if _, err := io.ReadFull(io.NewSectionReader(lf.File, itemStartPos, int64(h.totalLen)), frame); err != nil {
			return itemStartPos, false, nil
		}
		if _, derr := decodeItem(h, frame); derr != nil {
			r.logger.Warn("item section crc mismatch, truncating",
				zap.String("file", lf.Name()), zap.Int64("pos", itemStartPos))
			return itemStartPos, false, nil
		}

		if err := r.idx.put(h.index, lf.StartPos+itemStartPos); err != nil {
			return 0, false, err
		}
		r.previousIndex = h.index
		r.previousTerm = h.term
		r.commitIndexChecked = true
		itemStartPos += int64(h.totalLen)
	}
	return itemStartPos, true, nil
}
