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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's own health counters. Exposition is the host
// application's concern; the engine only increments.
type Metrics struct {
	ElectionsStarted prometheus.Counter
	VotesGranted     prometheus.Counter
	LeaderChanges    prometheus.Counter
	EntriesAppended  prometheus.Counter
	EntriesApplied   prometheus.Counter
	CommitIndex      prometheus.Gauge
	ApplyLag         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, groupID uint32) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"group": formatGroupLabel(groupID)}
	f := promauto.With(reg)
	return &Metrics{
		ElectionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_elections_started_total", ConstLabels: labels,
			Help: "Pre-vote rounds initiated by this node.",
		}),
		VotesGranted: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_votes_granted_total", ConstLabels: labels,
			Help: "Votes this node granted to candidates.",
		}),
		LeaderChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_leader_changes_total", ConstLabels: labels,
			Help: "Observed leader transitions.",
		}),
		EntriesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_entries_appended_total", ConstLabels: labels,
			Help: "Log entries accepted into the tail cache.",
		}),
		EntriesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "raft_entries_applied_total", ConstLabels: labels,
			Help: "Entries handed to the state machine.",
		}),
		CommitIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "raft_commit_index", ConstLabels: labels,
			Help: "Current commit index.",
		}),
		ApplyLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "raft_apply_lag", ConstLabels: labels,
			Help: "commitIndex - lastApplied.",
		}),
	}
}

func formatGroupLabel(groupID uint32) string {
	return strconv.FormatUint(uint64(groupID), 10)
}
