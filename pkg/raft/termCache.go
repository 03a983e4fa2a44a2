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

// termFlip marks the first index of a term in the log.
type termFlip struct {
	index uint64
	term  uint32
}

// TermCache answers term(index) for the recent log without touching disk.
// It stores only term-flip points: flip i covers [cache[i].index,
// cache[i+1].index). The cache is consulted by the follower continuity
// check (prevLogTerm) and by commit advancement (no stale-term commit).
type TermCache struct {
	cache     []termFlip
	lastIndex uint64
	maxSize   int
}

// NewTermCache creates a cache bounded to size flip points.
func NewTermCache(size int) *TermCache {
	return &TermCache{maxSize: size}
}

// Append records an entry. Non-monotonic appends are ignored; callers
// truncate explicitly on conflict.
func (tc *TermCache) Append(index uint64, term uint32) {
	if len(tc.cache) == 0 {
		tc.cache = append(tc.cache, termFlip{index: index, term: term})
		tc.lastIndex = index
		return
	}
	last := tc.cache[len(tc.cache)-1]
	if index <= tc.lastIndex || term < last.term {
		return
	}
	tc.lastIndex = index
	if term == last.term {
		return
	}
	if len(tc.cache) == tc.maxSize {
		tc.cache = tc.cache[1:]
	}
	tc.cache = append(tc.cache, termFlip{index: index, term: term})
}

// Term returns the term of index, or false when the index is outside the
// cached range.
func (tc *TermCache) Term(index uint64) (uint32, bool) {
	if len(tc.cache) == 0 || index < tc.cache[0].index || index > tc.lastIndex {
		return 0, false
	}
	for i := len(tc.cache) - 1; i >= 0; i-- {
		if index >= tc.cache[i].index {
			return tc.cache[i].term, true
		}
	}
	return 0, false
}

// FirstIndexOfTerm returns where term begins in the cached range; used for
// the conflict hint in AppendEntries rejections.
func (tc *TermCache) FirstIndexOfTerm(term uint32) (uint64, bool) {
	for _, f := range tc.cache {
		if f.term == term {
			return f.index, true
		}
	}
	return 0, false
}

// TruncateTail forgets entries at and above index.
func (tc *TermCache) TruncateTail(index uint64) {
	for len(tc.cache) > 0 && tc.cache[len(tc.cache)-1].index >= index {
		tc.cache = tc.cache[:len(tc.cache)-1]
	}
	if len(tc.cache) == 0 {
		tc.lastIndex = 0
		return
	}
	if tc.lastIndex >= index {
		tc.lastIndex = index - 1
	}
}

// Reset reinitializes the cache after snapshot installation.
func (tc *TermCache) Reset(index uint64, term uint32) {
	tc.cache = tc.cache[:0]
	tc.lastIndex = 0
	if index > 0 {
		tc.cache = append(tc.cache, termFlip{index: index, term: term})
		tc.lastIndex = index
	}
}
