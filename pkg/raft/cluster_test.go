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

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/azhsmesos/dongting/pkg/raft/sm"
	"github.com/azhsmesos/dongting/pkg/raft/store"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// memTransport delivers requests between servers in process. Partitioned
// nodes answer every RPC with an error.
type memTransport struct {
	mu      sync.Mutex
	servers map[uint32]*RaftServer
	down    map[uint32]bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		servers: make(map[uint32]*RaftServer),
		down:    make(map[uint32]bool),
	}
}

func (t *memTransport) register(id uint32, s *RaftServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers[id] = s
}

func (t *memTransport) setDown(id uint32, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

func (t *memTransport) target(id uint32) (*RaftServer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down[id] || t.servers[id] == nil {
		return nil, errors.Newf("node %d unreachable", id)
	}
	return t.servers[id], nil
}

func (t *memTransport) SendVote(to uint32, req *raftpb.VoteReq, cb func(*raftpb.VoteResp, error)) {
	go func() {
		s, err := t.target(to)
		if err != nil {
			cb(nil, err)
			return
		}
		s.DispatchVote(req, func(resp *raftpb.VoteResp) { cb(resp, nil) })
	}()
}

func (t *memTransport) SendAppendEntries(to uint32, req *raftpb.AppendEntriesReq, cb func(*raftpb.AppendEntriesResp, error)) {
	go func() {
		s, err := t.target(to)
		if err != nil {
			cb(nil, err)
			return
		}
		s.DispatchAppendEntries(req, func(resp *raftpb.AppendEntriesResp) { cb(resp, nil) })
	}()
}

func (t *memTransport) SendInstallSnapshot(to uint32, req *raftpb.InstallSnapshotReq, cb func(*raftpb.InstallSnapshotResp, error)) {
	go func() {
		s, err := t.target(to)
		if err != nil {
			cb(nil, err)
			return
		}
		s.DispatchInstallSnapshot(req, func(resp *raftpb.InstallSnapshotResp) { cb(resp, nil) })
	}()
}

func (t *memTransport) SendRaftPing(to uint32, req *raftpb.RaftPing, cb func(*raftpb.RaftPing, error)) {
	go func() {
		s, err := t.target(to)
		if err != nil {
			cb(nil, err)
			return
		}
		s.DispatchRaftPing(req, func(resp *raftpb.RaftPing) { cb(resp, nil) })
	}()
}

type execRecord struct {
	index uint64
	value string
}

// kvSM is a trivial replicated state machine recording applied commands.
type kvSM struct {
	mu    sync.Mutex
	execs []execRecord
}

func (m *kvSM) Decode(_ uint16, _, body []byte) (any, error) {
	return string(body), nil
}

func (m *kvSM) Exec(index uint64, input any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := input.(string)
	m.execs = append(m.execs, execRecord{index: index, value: v})
	return "applied:" + v, nil
}

func (m *kvSM) TakeSnapshot() (uint64, uint32, []byte, error) {
	return 0, 0, nil, errors.New("snapshot not supported in this test machine")
}

func (m *kvSM) InstallSnapshot(uint64, uint32, uint64, []byte, bool) error {
	return errors.New("snapshot not supported in this test machine")
}

func (m *kvSM) records() []execRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execRecord(nil), m.execs...)
}

func testServerConfig(nodeID uint32) ServerConfig {
	return ServerConfig{
		NodeID:            nodeID,
		ElectTimeout:      300 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
		RPCTimeout:        time.Second,
	}
}

func startTestServer(t *testing.T, trans *memTransport, nodeID uint32,
	members []uint32) (*RaftServer, *kvSM) {
	t.Helper()
	machine := &kvSM{}
	srv, err := NewRaftServer(
		testServerConfig(nodeID),
		[]GroupConfig{{
			GroupID:         1,
			NodeIDOfMembers: members,
			DataDir:         filepath.Join(t.TempDir(), "data"),
			Store:           store.Config{FileSize: 64 * 1024},
		}},
		map[uint32]sm.StateMachine{1: machine},
		trans, nil, nil)
	require.NoError(t, err)
	trans.register(nodeID, srv)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop(5 * time.Second) })
	return srv, machine
}

func submitWrite(t *testing.T, rg *RaftGroup, value string) TaskResult {
	t.Helper()
	res := <-rg.Submit(&RaftInput{Body: []byte(value), Decoded: value})
	return res
}

func TestSingleNodeLeaderAppliesInOrder(t *testing.T) {
	trans := newMemTransport()
	srv, machine := startTestServer(t, trans, 1, []uint32{1})
	rg := srv.Group(1)

	require.Eventually(t, func() bool {
		return rg.Status().Role == RoleLeader
	}, 5*time.Second, 20*time.Millisecond, "single node never elected itself")

	for _, v := range []string{"A", "B", "C"} {
		res := submitWrite(t, rg, v)
		require.NoError(t, res.Err)
		require.Equal(t, "applied:"+v, res.Output.Result)
	}

	recs := machine.records()
	require.Len(t, recs, 3)
	for i, want := range []string{"A", "B", "C"} {
		require.Equal(t, want, recs[i].value)
		if i > 0 {
			require.Equal(t, recs[i-1].index+1, recs[i].index, "exec indices must be gapless")
		}
	}
	st := rg.Status()
	require.Equal(t, st.CommitIndex, st.LastApplied)
	require.Equal(t, recs[2].index, st.LastApplied)
}

func TestThreeNodeElection(t *testing.T) {
	trans := newMemTransport()
	members := []uint32{1, 2, 3}
	var groups []*RaftGroup
	var machines []*kvSM
	for _, id := range members {
		srv, machine := startTestServer(t, trans, id, members)
		groups = append(groups, srv.Group(1))
		machines = append(machines, machine)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range members {
		srv, _ := trans.target(id)
		require.NoError(t, srv.WaitGroupsReady(ctx))
	}

	var leader *RaftGroup
	require.Eventually(t, func() bool {
		leader = nil
		leaders := 0
		for _, rg := range groups {
			st := rg.Status()
			if st.Role == RoleLeader {
				leaders++
				leader = rg
			}
		}
		if leaders != 1 {
			return false
		}
		lead := leader.Status()
		for _, rg := range groups {
			st := rg.Status()
			if st.Term != lead.Term || st.LeaderID != lead.LeaderID {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "no stable single leader emerged")

	require.GreaterOrEqual(t, leader.Status().Term, uint32(1))

	res := submitWrite(t, leader, "X")
	require.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		for _, m := range machines {
			recs := m.records()
			if len(recs) != 1 || recs[0].value != "X" {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "write did not replicate to all members")
}

func TestStaleTermAppendRejected(t *testing.T) {
	trans := newMemTransport()
	// two members so node 1 cannot elect itself while node 2 stays silent
	srv, _ := startTestServer(t, trans, 1, []uint32{1, 2})
	rg := srv.Group(1)

	// push the follower to term 5 with a vote request from node 2
	voteResp := make(chan *raftpb.VoteResp, 1)
	srv.DispatchVote(&raftpb.VoteReq{
		GroupID: 1, Term: 5, CandidateID: 2, LastLogIndex: 10, LastLogTerm: 4,
	}, func(r *raftpb.VoteResp) { voteResp <- r })
	select {
	case r := <-voteResp:
		require.Equal(t, uint32(5), r.Term)
		require.True(t, r.VoteGranted)
	case <-time.After(5 * time.Second):
		t.Fatal("vote request never answered")
	}

	// a deposed leader of term 3 must be rejected with term 5
	appendResp := make(chan *raftpb.AppendEntriesResp, 1)
	srv.DispatchAppendEntries(&raftpb.AppendEntriesReq{
		GroupID: 1, Term: 3, LeaderID: 2,
	}, func(r *raftpb.AppendEntriesResp) { appendResp <- r })
	select {
	case r := <-appendResp:
		require.False(t, r.Success)
		require.Equal(t, uint32(5), r.Term)
	case <-time.After(5 * time.Second):
		t.Fatal("append request never answered")
	}
	require.Equal(t, uint32(5), rg.Status().Term)
}

func TestReadOnlyDeadlineExpires(t *testing.T) {
	trans := newMemTransport()
	srv, machine := startTestServer(t, trans, 1, []uint32{1})
	rg := srv.Group(1)
	require.Eventually(t, func() bool {
		return rg.Status().Role == RoleLeader
	}, 5*time.Second, 20*time.Millisecond)

	// a write to anchor behind, then a read whose deadline already passed
	writeCh := rg.Submit(&RaftInput{Body: []byte("W"), Decoded: "W"})
	readCh := rg.Submit(&RaftInput{
		Decoded:       "R",
		ReadOnly:      true,
		DeadlineNanos: time.Now().Add(-time.Millisecond).UnixNano(),
	})

	res := <-writeCh
	require.NoError(t, res.Err)
	readRes := <-readCh
	require.ErrorIs(t, readRes.Err, ErrExecTimeout)

	for _, rec := range machine.records() {
		require.NotEqual(t, "R", rec.value, "expired read must not reach the state machine")
	}
}

func TestQuorumMatchIndexJointConsensus(t *testing.T) {
	rs := &RaftStatus{nodeID: 1, ts: &fiber.Timestamp{}}
	rs.lastLogIndex = 100
	rs.members = []*RaftMember{
		{nodeID: 1},
		{nodeID: 2, matchIndex: 100},
		{nodeID: 3, matchIndex: 50},
	}
	// 2-of-3 replicated through index 100
	require.Equal(t, uint64(100), rs.quorumMatchIndex(rs.members))

	rs.preparedMembers = []*RaftMember{
		{nodeID: 1},
		{nodeID: 2, matchIndex: 100},
		{nodeID: 4, matchIndex: 10},
		{nodeID: 5, matchIndex: 20},
		{nodeID: 6, matchIndex: 30},
	}
	// 3-of-5 in the prepared set only reaches index 30
	require.Equal(t, uint64(30), rs.quorumMatchIndex(rs.preparedMembers))
}

func TestVotePredicate(t *testing.T) {
	trans := newMemTransport()
	srv, _ := startTestServer(t, trans, 1, []uint32{1, 2})

	ask := func(req *raftpb.VoteReq) *raftpb.VoteResp {
		ch := make(chan *raftpb.VoteResp, 1)
		srv.DispatchVote(req, func(r *raftpb.VoteResp) { ch <- r })
		select {
		case r := <-ch:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("vote request never answered")
			return nil
		}
	}

	// grant to an up-to-date candidate
	r := ask(&raftpb.VoteReq{GroupID: 1, Term: 2, CandidateID: 2})
	require.True(t, r.VoteGranted)

	// same term, conflicting candidate: one vote per term
	r = ask(&raftpb.VoteReq{GroupID: 1, Term: 2, CandidateID: 1})
	require.False(t, r.VoteGranted)

	// unknown node never gets a vote
	r = ask(&raftpb.VoteReq{GroupID: 1, Term: 9, CandidateID: 99})
	require.False(t, r.VoteGranted)
}
