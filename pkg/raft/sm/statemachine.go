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

// Package sm defines the contract between the raft engine and the
// user-provided replicated state machine.
package sm

// StateMachine consumes committed entries and produces snapshots. Exec is
// called strictly in index order, without gaps, on the dispatcher owning
// the raft group; implementations must not block there.
type StateMachine interface {
	// Decode turns a persisted entry payload back into the input object
	// Exec expects. Called on the follower/restart apply path; the leader
	// path keeps the submitted object and skips decoding.
	Decode(bizType uint16, header, body []byte) (any, error)

	// Exec applies one committed input and returns the client-visible
	// result. An error on a write input breaks determinism and stops the
	// group; an error on a read-only input only fails that caller.
	Exec(index uint64, input any) (any, error)

	// TakeSnapshot captures the state up to the last applied index.
	TakeSnapshot() (lastIncludedIndex uint64, lastIncludedTerm uint32, data []byte, err error)

	// InstallSnapshot feeds one chunk of a leader snapshot. Chunks arrive
	// with non-decreasing offsets; done marks the last one, after which
	// the machine must reflect exactly the snapshot state.
	InstallSnapshot(lastIncludedIndex uint64, lastIncludedTerm uint32,
		offset uint64, data []byte, done bool) error
}
