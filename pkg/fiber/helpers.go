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

import (
	"time"

	"github.com/cockroachdb/errors"
)

// AwaitOrTimeoutFrame waits on src for at most d. The frame result is true
// when src signaled the fiber, false when the wait timed out. Other errors
// propagate. The frame is reusable across Calls: loop fibers push it once
// per iteration so the timeout handler is fresh each time.
func AwaitOrTimeoutFrame(src WaitSource, d time.Duration) *Frame {
	var fr *Frame
	fr = NewFrame(func(any) (FrameCallResult, error) {
		fb := fr.Fiber()
		return fb.AwaitTimeout(src, d, func(any) (FrameCallResult, error) {
			return fb.Return(true)
		})
	}).OnError(func(cause error) (FrameCallResult, error) {
		if errors.Is(cause, ErrTimeout) {
			fr.SetResult(false)
			return FrameReturn, nil
		}
		return FrameReturn, cause
	})
	return fr
}

// SleepFrame suspends the calling fiber for d, as a child frame.
func SleepFrame(d time.Duration) *Frame {
	var fr *Frame
	fr = NewFrame(func(any) (FrameCallResult, error) {
		fb := fr.Fiber()
		return fb.Sleep(d, func(any) (FrameCallResult, error) {
			return fb.Return(nil)
		})
	})
	return fr
}
