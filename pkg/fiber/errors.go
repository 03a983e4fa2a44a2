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

package fiber

import "github.com/cockroachdb/errors"

// ErrTimeout is delivered to a fiber when a timed Await elapses before the
// wait source signals it.
var ErrTimeout = errors.New("fiber wait timeout")

// ErrInterrupt is delivered to a fiber when it is interrupted while blocked,
// or at its next suspension point if it was running.
var ErrInterrupt = errors.New("fiber interrupted")

// ErrDispatcherStopped is returned when a group is started on a dispatcher
// that has been stopped.
var ErrDispatcherStopped = errors.New("dispatcher already stopped")

func newUsageFatal(msg string) error {
	return errors.Newf("usage fatal error: %s", msg)
}
