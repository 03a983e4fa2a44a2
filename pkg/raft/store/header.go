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
	"hash/crc32"

	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/cockroachdb/errors"
)

// On-disk item frame:
//
//	crc32c(4) | totalLen(4) | headLen(2) | type(1) | _(1) |
//	term(4) | prevLogTerm(4) | index(8) |
//	[header bytes] | [header-crc(4)] |
//	[body bytes]   | [body-crc(4)]
//
// The leading crc covers the 24 header bytes after itself. headLen counts
// the fixed header plus the biz-header section, totalLen the whole frame,
// so totalLen >= headLen > 0 always holds. The header/body section CRCs are
// independent so a partial tear is detected per section.
const (
	itemHeaderSize = 28

	fileHeaderSize = 8
	logFileMagic   = 0x64746c67 // "dtlg"
	idxFileMagic   = 0x64746978 // "dtix"
	fileVersion    = 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errItemCrc = errors.New("log item crc mismatch")

type itemHeader struct {
	crc         uint32
	totalLen    uint32
	headLen     uint16
	typ         uint8
	term        uint32
	prevLogTerm uint32
	index       uint64
}

func (h *itemHeader) isEndMark() bool {
	return h.crc == 0 && h.prevLogTerm == 0
}

func (h *itemHeader) bizHeaderLen() int {
	if int(h.headLen) <= itemHeaderSize {
		return 0
	}
	return int(h.headLen) - itemHeaderSize - 4
}

func (h *itemHeader) bodyLen() int {
	rest := int(h.totalLen) - int(h.headLen)
	if rest <= 0 {
		return 0
	}
	return rest - 4
}

func computeItemLens(it *raftpb.LogItem) (headLen uint16, totalLen uint32) {
	hl := itemHeaderSize
	if len(it.Header) > 0 {
		hl += len(it.Header) + 4
	}
	tl := hl
	if len(it.Body) > 0 {
		tl += len(it.Body) + 4
	}
	return uint16(hl), uint32(tl)
}

// encodeItemHeader writes the 28-byte fixed header into buf and returns the
// number of bytes written.
func encodeItemHeader(buf []byte, it *raftpb.LogItem) int {
	headLen, totalLen := computeItemLens(it)
	binary.BigEndian.PutUint32(buf[4:], totalLen)
	binary.BigEndian.PutUint16(buf[8:], headLen)
	buf[10] = byte(it.Type)
	buf[11] = 0
	binary.BigEndian.PutUint32(buf[12:], it.Term)
	binary.BigEndian.PutUint32(buf[16:], it.PrevLogTerm)
	binary.BigEndian.PutUint64(buf[20:], it.Index)
	crc := crc32.Checksum(buf[4:itemHeaderSize], castagnoli)
	binary.BigEndian.PutUint32(buf, crc)
	return itemHeaderSize
}

// encodeItem writes the full frame of it into buf, which must have room for
// totalLen bytes. Returns the frame length.
func encodeItem(buf []byte, it *raftpb.LogItem) int {
	n := encodeItemHeader(buf, it)
	n += encodeSection(buf[n:], it.Header)
	n += encodeSection(buf[n:], it.Body)
	return n
}

func encodeSection(buf []byte, data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := copy(buf, data)
	binary.BigEndian.PutUint32(buf[n:], crc32.Checksum(data, castagnoli))
	return n + 4
}

// writeEndMark writes the all-zero end-of-data sentinel header.
func writeEndMark(buf []byte) int {
	for i := 0; i < itemHeaderSize; i++ {
		buf[i] = 0
	}
	return itemHeaderSize
}

func decodeItemHeader(buf []byte) itemHeader {
	return itemHeader{
		crc:         binary.BigEndian.Uint32(buf),
		totalLen:    binary.BigEndian.Uint32(buf[4:]),
		headLen:     binary.BigEndian.Uint16(buf[8:]),
		typ:         buf[10],
		term:        binary.BigEndian.Uint32(buf[12:]),
		prevLogTerm: binary.BigEndian.Uint32(buf[16:]),
		index:       binary.BigEndian.Uint64(buf[20:]),
	}
}

func (h *itemHeader) crcOK(buf []byte) bool {
	return h.crc == crc32.Checksum(buf[4:itemHeaderSize], castagnoli)
}

// decodeSection verifies the trailing crc of a header/body section and
// returns the payload.
func decodeSection(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, errItemCrc
	}
	data := buf[:len(buf)-4]
	want := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.Checksum(data, castagnoli) != want {
		return nil, errItemCrc
	}
	return data, nil
}

// decodeItem parses a full frame starting at buf. The caller already
// verified the fixed header crc. Payload slices are copied.
func decodeItem(h itemHeader, buf []byte) (*raftpb.LogItem, error) {
	it := &raftpb.LogItem{
		Index:       h.index,
		Term:        h.term,
		PrevLogTerm: h.prevLogTerm,
		Type:        raftpb.ItemType(h.typ),
	}
	off := itemHeaderSize
	if hl := h.bizHeaderLen(); hl > 0 {
		sec, err := decodeSection(buf[off : off+hl+4])
		if err != nil {
			return nil, err
		}
		it.Header = append([]byte(nil), sec...)
		off += hl + 4
	}
	if bl := h.bodyLen(); bl > 0 {
		sec, err := decodeSection(buf[off : off+bl+4])
		if err != nil {
			return nil, err
		}
		it.Body = append([]byte(nil), sec...)
	}
	return it, nil
}
