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
	"sync/atomic"
	"testing"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/stretchr/testify/require"
)

// testPending is a minimal tail cache: contiguous items from index 1.
type testPending struct {
	items []*raftpb.LogItem
}

func (p *testPending) FirstPending() uint64 {
	if len(p.items) == 0 {
		return 0
	}
	return p.items[0].Index
}

func (p *testPending) LastPending() uint64 {
	if len(p.items) == 0 {
		return 0
	}
	return p.items[len(p.items)-1].Index
}

func (p *testPending) PendingItem(index uint64) *raftpb.LogItem {
	first := p.FirstPending()
	if first == 0 || index < first || index > p.LastPending() {
		return nil
	}
	return p.items[index-first]
}

func makeItems(n int) []*raftpb.LogItem {
	items := make([]*raftpb.LogItem, 0, n)
	var prevTerm uint32
	for i := 1; i <= n; i++ {
		term := uint32(1)
		if i > n/2 {
			term = 2
		}
		body := make([]byte, 50+i*7)
		for j := range body {
			body[j] = byte(i + j)
		}
		items = append(items, &raftpb.LogItem{
			Index:       uint64(i),
			Term:        term,
			PrevLogTerm: prevTerm,
			Type:        raftpb.ItemTypeNormal,
			Timestamp:   1700000000000 + int64(i),
			Body:        body,
		})
		prevTerm = term
	}
	return items
}

type storeEnv struct {
	d       *fiber.Dispatcher
	g       *fiber.Group
	exec    *IOExecutor
	ls      *LogStore
	pending *testPending
	synced  atomic.Uint64
}

func newStoreEnv(t *testing.T, dir string) *storeEnv {
	t.Helper()
	env := &storeEnv{pending: &testPending{}}
	env.d = fiber.NewDispatcher("store-test", nil)
	env.d.Start()
	env.g = fiber.NewGroup("store", env.d)
	require.NoError(t, env.d.StartGroup(env.g))
	env.exec = NewIOExecutor(2)
	cfg := Config{
		Dir:      dir,
		FileSize: 4096,
	}
	var err error
	env.ls, err = NewLogStore(cfg, env.g, env.exec, env.pending,
		func(lastTerm uint32, lastIndex uint64) {
			env.synced.Store(lastIndex)
		}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		env.d.Stop(5 * time.Second)
		env.exec.Close()
	})
	return env
}

func TestAppendRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(40) // several 4 KiB segments worth

	env := newStoreEnv(t, dir)
	res, err := env.ls.Init(0, 0)
	require.NoError(t, err)
	require.Zero(t, res.LastIndex)

	env.d.Submit(func() {
		env.pending.items = items
		env.ls.StartFibers()
		env.ls.SignalAppend()
	})
	require.Eventually(t, func() bool {
		return env.synced.Load() == uint64(len(items))
	}, 10*time.Second, 10*time.Millisecond, "append pipeline never drained")

	env.d.Submit(env.ls.Close)
	env.d.Stop(5 * time.Second)

	// restart: a fresh store must restore the same index/term sequence
	env2 := newStoreEnv(t, dir)
	res2, err := env2.ls.Init(0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(len(items)), res2.LastIndex)
	require.Equal(t, items[len(items)-1].Term, res2.LastTerm)

	pos, ok := env2.ls.Pos(1)
	require.True(t, ok)
	files := append([]*LogFile(nil), env2.ls.logFiles.files...)
	got, err := env2.ls.readItems(files, pos, 1, len(items), 1<<30)
	require.NoError(t, err)
	require.Len(t, got, len(items))
	for i, it := range got {
		require.Equal(t, items[i].Index, it.Index)
		require.Equal(t, items[i].Term, it.Term)
		require.Equal(t, items[i].PrevLogTerm, it.PrevLogTerm)
		require.Equal(t, items[i].Body, it.Body, "body of item %d must be byte-equal", i+1)
	}
}

func TestRestoreTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(11)

	env := newStoreEnv(t, dir)
	_, err := env.ls.Init(0, 0)
	require.NoError(t, err)
	env.d.Submit(func() {
		env.pending.items = items
		env.ls.StartFibers()
		env.ls.SignalAppend()
	})
	require.Eventually(t, func() bool {
		return env.synced.Load() == uint64(len(items))
	}, 10*time.Second, 10*time.Millisecond)
	env.d.Submit(env.ls.Close)
	env.d.Stop(5 * time.Second)

	// locate item 11 and tear its body, as a crash mid-write would
	probe := newStoreEnv(t, dir)
	_, err = probe.ls.Init(0, 0)
	require.NoError(t, err)
	pos11, ok := probe.ls.Pos(11)
	require.True(t, ok)
	lf := probe.ls.logFiles.getLogFile(pos11)
	require.NotNil(t, lf)
	inFile := pos11 & probe.ls.logFiles.mask
	frameLen := items[10].PersistedSize()
	zeros := make([]byte, 10)
	_, err = lf.File.WriteAt(zeros, inFile+int64(frameLen)-14) // inside the body, before its crc
	require.NoError(t, err)
	require.NoError(t, lf.File.Sync())
	probe.d.Submit(probe.ls.Close)
	probe.d.Stop(5 * time.Second)

	// the restorer must stop exactly before the torn item
	env2 := newStoreEnv(t, dir)
	res, err := env2.ls.Init(0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.LastIndex)

	// the next append reuses index 11's slot
	require.Equal(t, pos11, res.NextPersistPos)
}

func TestRestoreStartsAtCommitIndexPos(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(20)

	env := newStoreEnv(t, dir)
	_, err := env.ls.Init(0, 0)
	require.NoError(t, err)
	env.d.Submit(func() {
		env.pending.items = items
		env.ls.StartFibers()
		env.ls.SignalAppend()
	})
	require.Eventually(t, func() bool {
		return env.synced.Load() == uint64(len(items))
	}, 10*time.Second, 10*time.Millisecond)

	// remember where item 5 lives, then restart anchored there
	var pos5 int64
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		env.d.Submit(func() {
			if p, ok := env.ls.Pos(5); ok {
				pos5 = p
			}
			close(done)
		})
		<-done
		return pos5 != 0
	}, 5*time.Second, 10*time.Millisecond)
	env.d.Submit(env.ls.Close)
	env.d.Stop(5 * time.Second)

	env2 := newStoreEnv(t, dir)
	res, err := env2.ls.Init(5, pos5)
	require.NoError(t, err)
	require.Equal(t, uint64(len(items)), res.LastIndex)
}
