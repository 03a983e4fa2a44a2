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

import "github.com/cockroachdb/errors"

// ErrNotLeader is returned to clients submitting to a non-leader group.
var ErrNotLeader = errors.New("raft: not leader")

// ErrExecTimeout completes a client future whose deadline passed before the
// request was applied. The log is untouched.
var ErrExecTimeout = errors.New("raft: exec timeout")

// ErrGroupStopped is returned once the group began shutting down.
var ErrGroupStopped = errors.New("raft: group stopped")

// ErrJointConsensusNotPrepared rejects a commit/drop of a membership change
// that was never prepared.
var ErrJointConsensusNotPrepared = errors.New("raft: joint consensus not prepared")

// ErrJointConsensusPrepared rejects preparing a second membership change
// while one is pending.
var ErrJointConsensusPrepared = errors.New("raft: joint consensus already prepared")
