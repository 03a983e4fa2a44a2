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
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/azhsmesos/dongting/pkg/raft/raftpb"
	"github.com/azhsmesos/dongting/pkg/raft/sm"
	"github.com/azhsmesos/dongting/pkg/raft/store"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RaftServer hosts one or more raft groups on a node. Groups are assigned
// round-robin to a small pool of dispatchers; blocking IO goes through one
// shared executor. The server is also the inbound demultiplexer: the
// transport hands it decoded requests and it routes them to the owning
// group's processors.
type RaftServer struct {
	serverConfig ServerConfig
	logger       *zap.Logger

	dispatchers []*fiber.Dispatcher
	exec        *store.IOExecutor

	transport Transport
	nodeState NodeStateProvider

	groups map[uint32]*RaftGroup
}

// NewRaftServer validates the configs and builds the server. machines maps
// group id to its state machine.
func NewRaftServer(serverConfig ServerConfig, groupConfigs []GroupConfig,
	machines map[uint32]sm.StateMachine, transport Transport,
	nodeState NodeStateProvider, logger *zap.Logger) (*RaftServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverConfig = serverConfig.withDefaults()
	if err := serverConfig.validate(); err != nil {
		return nil, err
	}
	for i := range groupConfigs {
		if err := groupConfigs[i].validate(serverConfig.NodeID); err != nil {
			return nil, err
		}
		if machines[groupConfigs[i].GroupID] == nil {
			return nil, errors.Newf("no state machine for group %d", groupConfigs[i].GroupID)
		}
	}
	s := &RaftServer{
		serverConfig: serverConfig,
		logger:       logger.With(zap.Uint32("node", serverConfig.NodeID)),
		transport:    transport,
		nodeState:    nodeState,
		groups:       make(map[uint32]*RaftGroup),
	}
	for i := 0; i < serverConfig.Dispatchers; i++ {
		s.dispatchers = append(s.dispatchers,
			fiber.NewDispatcher("raft-"+formatGroupLabel(uint32(i)), s.logger))
	}
	s.exec = store.NewIOExecutor(4)

	for i := range groupConfigs {
		cfg := groupConfigs[i]
		d := s.dispatchers[i%len(s.dispatchers)]
		g := fiber.NewGroup("raftGroup-"+formatGroupLabel(cfg.GroupID), d)
		gc, err := newGroupComponents(serverConfig, cfg, g, s.exec, transport, nodeState,
			machines[cfg.GroupID], s.logger.With(zap.Uint32("group", cfg.GroupID)))
		if err != nil {
			return nil, err
		}
		s.groups[cfg.GroupID] = &RaftGroup{gc: gc}
	}
	return s, nil
}

// Start recovers every group from disk and launches the fibers.
func (s *RaftServer) Start() error {
	for _, d := range s.dispatchers {
		d.Start()
	}
	for _, rg := range s.groups {
		gc := rg.gc
		if err := gc.group.Dispatcher().StartGroup(gc.group); err != nil {
			return err
		}
		if err := gc.init(); err != nil {
			return err
		}
		gc.group.Dispatcher().Submit(gc.startFibers)
	}
	s.logger.Info("raft server started", zap.Int("groups", len(s.groups)))
	return nil
}

// Stop shuts down all groups, then the dispatchers and the IO executor.
func (s *RaftServer) Stop(timeout time.Duration) {
	for _, rg := range s.groups {
		rg.Stop(timeout)
	}
	for _, d := range s.dispatchers {
		d.Stop(timeout)
	}
	s.exec.Close()
	s.logger.Info("raft server stopped")
}

// Group returns the hosted group, nil if unknown.
func (s *RaftServer) Group(groupID uint32) *RaftGroup {
	return s.groups[groupID]
}

// WaitGroupsReady blocks until every group sees an election quorum of
// ready members, the startup handshake of the original server. Peers are
// probed in parallel by the member manager; this only observes.
func (s *RaftServer) WaitGroupsReady(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, rg := range s.groups {
		rg := rg
		eg.Go(func() error {
			for {
				ready := make(chan bool, 1)
				rg.gc.group.Dispatcher().Submit(func() {
					rs := rg.gc.rs
					ready <- readyCount(rs.members) >= rs.electQuorum
				})
				select {
				case ok := <-ready:
					if ok {
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return eg.Wait()
}

// Inbound routing. The transport calls these with decoded requests; for a
// known group the reply callback runs on the group dispatcher, a request for
// an unknown group is answered inline on the caller's goroutine.

// DispatchVote routes a vote request to its group.
func (s *RaftServer) DispatchVote(req *raftpb.VoteReq, reply func(*raftpb.VoteResp)) {
	if rg := s.groups[req.GroupID]; rg != nil {
		rg.gc.ProcessVote(req, reply)
		return
	}
	reply(&raftpb.VoteResp{})
}

// DispatchAppendEntries routes an append request to its group.
func (s *RaftServer) DispatchAppendEntries(req *raftpb.AppendEntriesReq, reply func(*raftpb.AppendEntriesResp)) {
	if rg := s.groups[req.GroupID]; rg != nil {
		rg.gc.ProcessAppendEntries(req, reply)
		return
	}
	reply(&raftpb.AppendEntriesResp{})
}

// DispatchInstallSnapshot routes a snapshot chunk to its group.
func (s *RaftServer) DispatchInstallSnapshot(req *raftpb.InstallSnapshotReq, reply func(*raftpb.InstallSnapshotResp)) {
	if rg := s.groups[req.GroupID]; rg != nil {
		rg.gc.ProcessInstallSnapshot(req, reply)
		return
	}
	reply(&raftpb.InstallSnapshotResp{})
}

// DispatchRaftPing routes the membership handshake; an unknown group
// answers with zero ids so the caller marks the peer not ready.
func (s *RaftServer) DispatchRaftPing(req *raftpb.RaftPing, reply func(*raftpb.RaftPing)) {
	if rg := s.groups[req.GroupID]; rg != nil {
		rg.gc.ProcessRaftPing(req, reply)
		return
	}
	reply(&raftpb.RaftPing{})
}
