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

// Package fiber implements a cooperative, single-threaded task runtime.
//
// A Dispatcher owns one goroutine and zero or more Groups. All fibers of a
// group run on the group's dispatcher; within a group no state is shared
// across goroutines, so group-local structures need no locks. Code outside
// the dispatcher goroutine communicates only through Dispatcher.Submit,
// Future.FireComplete and Channel.FireOffer.
//
// A fiber suspends only at the designated points: Call, Await, Sleep. Each
// suspension names a resume point, which must be the last statement of the
// current step. Violations are usage errors that fail the whole group.
package fiber
