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
	"time"

	"github.com/azhsmesos/dongting/pkg/raft/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig holds node-wide parameters shared by all groups on a server.
type ServerConfig struct {
	// NodeID is the identity of this server node. Cannot be 0.
	NodeID uint32

	// ElectTimeout is how long a follower goes without hearing from a
	// leader before starting a pre-vote. Default 3s.
	ElectTimeout time.Duration
	// HeartbeatInterval is the idle interval between leader
	// AppendEntries. Must be well below ElectTimeout. Default 1s.
	HeartbeatInterval time.Duration
	// RPCTimeout bounds a single request to a peer. Default 5s.
	RPCTimeout time.Duration

	// Dispatchers is the size of the dispatcher thread pool groups are
	// assigned to round-robin. Default 1.
	Dispatchers int

	// MetricsRegistry receives the engine's own counters; nil disables
	// registration.
	MetricsRegistry prometheus.Registerer
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.ElectTimeout == 0 {
		out.ElectTimeout = 3 * time.Second
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = time.Second
	}
	if out.RPCTimeout == 0 {
		out.RPCTimeout = 5 * time.Second
	}
	if out.Dispatchers == 0 {
		out.Dispatchers = 1
	}
	return out
}

func (c *ServerConfig) validate() error {
	if c.NodeID == 0 {
		return errors.New("node id cannot be 0")
	}
	if c.HeartbeatInterval >= c.ElectTimeout {
		return errors.New("heartbeat interval must be below elect timeout")
	}
	return nil
}

// GroupConfig describes one raft group hosted on this server.
type GroupConfig struct {
	GroupID uint32

	// NodeIDOfMembers are the voting members, including this node unless
	// it is a pure observer.
	NodeIDOfMembers []uint32
	// NodeIDOfObservers replicate but do not vote.
	NodeIDOfObservers []uint32

	// DataDir is the group's storage root: DataDir/log, DataDir/idx,
	// DataDir/status.
	DataDir string

	// Store tunes the log store; zero values pick defaults.
	Store store.Config
}

func (c *GroupConfig) validate(nodeID uint32) error {
	if c.DataDir == "" {
		return errors.New("group data dir required")
	}
	in := false
	for _, id := range c.NodeIDOfMembers {
		if id == 0 {
			return errors.New("member id cannot be 0")
		}
		if id == nodeID {
			in = true
		}
	}
	for _, id := range c.NodeIDOfObservers {
		if id == nodeID {
			in = true
		}
	}
	if !in {
		return errors.Newf("node %d is neither member nor observer of group %d", nodeID, c.GroupID)
	}
	return nil
}
