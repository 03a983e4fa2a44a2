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

// Channel is an unbounded FIFO hand-off between producers and consumer
// fibers of one group. Offer runs on the dispatcher; FireOffer is safe from
// any goroutine.
type Channel struct {
	name     string
	group    *Group
	queue    []any
	notEmpty *Condition
}

func (ch *Channel) String() string { return "channel:" + ch.name }

// Size returns the number of queued elements. Dispatcher goroutine only.
func (ch *Channel) Size() int { return len(ch.queue) }

// Offer appends v. Dispatcher goroutine only.
func (ch *Channel) Offer(v any) {
	ch.queue = append(ch.queue, v)
	ch.notEmpty.Signal()
}

// FireOffer appends v from any goroutine.
func (ch *Channel) FireOffer(v any) {
	ch.group.dispatcher.Submit(func() {
		ch.Offer(v)
	})
}

// Take delivers the next element to resume, suspending the calling fiber
// while the channel is empty. Must be the last statement of the current step.
func (ch *Channel) Take(fb *Fiber, resume FrameCall) (FrameCallResult, error) {
	if len(ch.queue) > 0 {
		v := ch.queue[0]
		ch.queue = ch.queue[1:]
		return resume(v)
	}
	return fb.Await(ch.notEmpty, func(any) (FrameCallResult, error) {
		return ch.Take(fb, resume)
	})
}

// TakeAll delivers every queued element to resume as a []any, suspending
// while the channel is empty.
func (ch *Channel) TakeAll(fb *Fiber, resume FrameCall) (FrameCallResult, error) {
	if len(ch.queue) > 0 {
		batch := ch.queue
		ch.queue = nil
		return resume(batch)
	}
	return fb.Await(ch.notEmpty, func(any) (FrameCallResult, error) {
		return ch.TakeAll(fb, resume)
	})
}
