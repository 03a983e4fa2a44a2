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

import "github.com/azhsmesos/dongting/pkg/raft/raftpb"

// Transport delivers requests to peers and hands back decoded replies. The
// engine never touches sockets or framing; implementations own connection
// management and the wire codec (see raftpb for the message encoding).
//
// Callbacks may fire on any goroutine; the engine re-enters its dispatcher
// itself. A nil response with a non-nil error means the RPC failed.
type Transport interface {
	SendVote(to uint32, req *raftpb.VoteReq, cb func(*raftpb.VoteResp, error))
	SendAppendEntries(to uint32, req *raftpb.AppendEntriesReq, cb func(*raftpb.AppendEntriesResp, error))
	SendInstallSnapshot(to uint32, req *raftpb.InstallSnapshotReq, cb func(*raftpb.InstallSnapshotResp, error))
	SendRaftPing(to uint32, req *raftpb.RaftPing, cb func(*raftpb.RaftPing, error))
}

// NodeStateProvider exposes the connection layer's per-node liveness view.
// Epoch increments every reconnect, so a ping begun before a reconnect
// cannot mark the member ready afterwards.
type NodeStateProvider interface {
	NodeState(nodeID uint32) (epoch int32, ready bool)
}

// staticNodeState treats every node as permanently connected at epoch 0.
// Used when the host wires no connection layer (single process, tests).
type staticNodeState struct{}

func (staticNodeState) NodeState(uint32) (int32, bool) { return 0, true }
