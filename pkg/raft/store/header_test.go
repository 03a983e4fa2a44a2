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
	"testing"

	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/stretchr/testify/require"
)

func TestItemFrameRoundTrip(t *testing.T) {
	it := &raftpb.LogItem{
		Index:       42,
		Term:        3,
		PrevLogTerm: 2,
		Type:        raftpb.ItemTypeNormal,
		Header:      []byte("meta"),
		Body:        []byte("hello raft log"),
	}
	buf := make([]byte, it.PersistedSize())
	n := encodeItem(buf, it)
	require.Equal(t, it.PersistedSize(), n)

	h := decodeItemHeader(buf)
	require.True(t, h.crcOK(buf))
	require.Equal(t, uint64(42), h.index)
	require.Equal(t, uint32(3), h.term)
	require.Equal(t, uint32(2), h.prevLogTerm)
	require.Equal(t, uint32(n), h.totalLen)

	got, err := decodeItem(h, buf)
	require.NoError(t, err)
	require.Equal(t, it.Index, got.Index)
	require.Equal(t, it.Term, got.Term)
	require.Equal(t, it.Header, got.Header)
	require.Equal(t, it.Body, got.Body)
}

func TestItemFrameNoSections(t *testing.T) {
	it := &raftpb.LogItem{Index: 1, Term: 1, Type: raftpb.ItemTypeNoOp}
	require.Equal(t, itemHeaderSize, it.PersistedSize())
	buf := make([]byte, itemHeaderSize)
	encodeItem(buf, it)
	h := decodeItemHeader(buf)
	require.True(t, h.crcOK(buf))
	got, err := decodeItem(h, buf)
	require.NoError(t, err)
	require.Empty(t, got.Header)
	require.Empty(t, got.Body)
}

func TestHeaderCrcDetectsCorruption(t *testing.T) {
	it := &raftpb.LogItem{Index: 7, Term: 2, PrevLogTerm: 2, Body: []byte("abc")}
	buf := make([]byte, it.PersistedSize())
	encodeItem(buf, it)
	buf[12] ^= 0x01 // flip a bit in the term field
	h := decodeItemHeader(buf)
	require.False(t, h.crcOK(buf))
}

func TestBodyCrcDetectsAnyTear(t *testing.T) {
	body := []byte("some body bytes that will be torn")
	it := &raftpb.LogItem{Index: 9, Term: 4, PrevLogTerm: 4, Body: body}
	buf := make([]byte, it.PersistedSize())
	encodeItem(buf, it)
	h := decodeItemHeader(buf)
	for k := 1; k <= len(body); k++ {
		torn := append([]byte(nil), buf...)
		// zero the last k body bytes, as a partial write would leave them
		for i := len(torn) - 4 - k; i < len(torn)-4; i++ {
			torn[i] = 0
		}
		_, err := decodeItem(h, torn)
		require.Error(t, err, "tear of %d bytes must be detected", k)
	}
}

func TestEndMarkIsRecognized(t *testing.T) {
	buf := make([]byte, itemHeaderSize)
	writeEndMark(buf)
	h := decodeItemHeader(buf)
	require.True(t, h.isEndMark())
}
