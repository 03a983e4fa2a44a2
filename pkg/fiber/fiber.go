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

import "time"

// WaitSource is anything a fiber can block on: a Condition, a Future or a
// Channel. Wait queues are FIFO.
type WaitSource interface {
	shouldWait(fb *Fiber) bool
	addWaiter(fb *Fiber)
	removeWaiter(fb *Fiber)
	String() string
}

// Fiber is a cooperatively scheduled task: a stack of frames plus scheduling
// state. All methods except Interrupt must run on the owning dispatcher.
type Fiber struct {
	name  string
	group *Group

	stackTop *Frame

	daemon      bool
	started     bool
	ready       bool
	finished    bool
	interrupted bool

	lastErr error
	source  WaitSource

	// set while the fiber sits in the dispatcher schedule queue
	scheduleNanoTime int64
	scheduleTimeout  time.Duration
	heapIdx          int

	done *Future
}

// NewFiber creates a fiber owned by g with the given root frame. The fiber
// does not run until Start (on dispatcher) or Group.Fire (any goroutine).
func NewFiber(name string, g *Group, root *Frame) *Fiber {
	fb := &Fiber{name: name, group: g, heapIdx: -1}
	root.reset(fb)
	fb.stackTop = root
	return fb
}

// NewDaemonFiber creates a fiber that does not keep its group alive: a group
// finishes when shutdown was requested and all non-daemon fibers are done.
func NewDaemonFiber(name string, g *Group, root *Frame) *Fiber {
	fb := NewFiber(name, g, root)
	fb.daemon = true
	return fb
}

// Name returns the fiber name given at creation.
func (fb *Fiber) Name() string { return fb.name }

// Group returns the owning fiber group.
func (fb *Fiber) Group() *Group { return fb.group }

// IsStarted reports whether Start ran.
func (fb *Fiber) IsStarted() bool { return fb.started }

// IsFinished reports whether the fiber completed, normally or with an error.
func (fb *Fiber) IsFinished() bool { return fb.finished }

// Start makes the fiber runnable. Dispatcher goroutine only.
func (fb *Fiber) Start() {
	g := fb.group
	if fb.started || g.finished {
		return
	}
	fb.started = true
	g.addFiber(fb)
	g.tryMakeFiberReady(fb, false)
}

// Join returns a future completed when the fiber finishes. Dispatcher
// goroutine only.
func (fb *Fiber) Join() *Future {
	if fb.done == nil {
		fb.done = fb.group.NewFuture("join-" + fb.name)
		if fb.finished {
			fb.done.Complete(nil)
		}
	}
	return fb.done
}

// Interrupt wakes the fiber with ErrInterrupt if it is blocked, or arranges
// for ErrInterrupt at its next suspension point. Safe from any goroutine.
func (fb *Fiber) Interrupt() {
	d := fb.group.dispatcher
	d.Submit(func() {
		d.interrupt(fb)
	})
}

// Call pushes sub onto the fiber stack; resume receives sub's result when it
// returns. Must be the last statement of the current step.
func (fb *Fiber) Call(sub *Frame, resume FrameCall) (FrameCallResult, error) {
	d, err := fb.checkSuspend()
	if err != nil {
		return FrameReturn, err
	}
	fb.stackTop.resumePoint = resume
	sub.reset(fb)
	sub.prev = fb.stackTop
	fb.stackTop = sub
	d.inputObj = nil
	return Suspend, nil
}

// Await blocks the fiber on src until signaled or completed. Must be the
// last statement of the current step.
func (fb *Fiber) Await(src WaitSource, resume FrameCall) (FrameCallResult, error) {
	return fb.AwaitTimeout(src, 0, resume)
}

// AwaitTimeout is Await with a deadline; on expiry the fiber resumes with
// ErrTimeout. timeout <= 0 waits forever.
func (fb *Fiber) AwaitTimeout(src WaitSource, timeout time.Duration, resume FrameCall) (FrameCallResult, error) {
	d, err := fb.checkSuspend()
	if err != nil {
		return FrameReturn, err
	}
	if fb.interrupted {
		fb.interrupted = false
		return FrameReturn, ErrInterrupt
	}
	fb.stackTop.resumePoint = resume
	fb.source = src
	if !src.shouldWait(fb) {
		// already completed, deliver on the next dispatcher step
		return Suspend, nil
	}
	fb.ready = false
	if timeout > 0 {
		d.addToScheduleQueue(fb, timeout)
	}
	src.addWaiter(fb)
	return Suspend, nil
}

// Sleep suspends the fiber for d. Must be the last statement of the current
// step.
func (fb *Fiber) Sleep(d time.Duration, resume FrameCall) (FrameCallResult, error) {
	disp, err := fb.checkSuspend()
	if err != nil {
		return FrameReturn, err
	}
	if fb.interrupted {
		fb.interrupted = false
		return FrameReturn, ErrInterrupt
	}
	fb.stackTop.resumePoint = resume
	fb.ready = false
	disp.addToScheduleQueue(fb, d)
	return Suspend, nil
}

// Return finishes the current frame with the given result.
func (fb *Fiber) Return(v any) (FrameCallResult, error) {
	fb.stackTop.result = v
	return FrameReturn, nil
}

func (fb *Fiber) checkSuspend() (*Dispatcher, error) {
	g := fb.group
	d := g.dispatcher
	if g.currentFiber != fb || !fb.ready {
		return nil, d.fatal(g, newUsageFatal("suspension invoked by a fiber that is not running"))
	}
	if fb.stackTop.resumePoint != nil {
		return nil, d.fatal(g, newUsageFatal(
			"current frame resume point is not nil, may invoke Call/Await/Sleep twice, or not return after invoke"))
	}
	return d, nil
}

func (fb *Fiber) popFrame() *Frame {
	top := fb.stackTop
	fb.stackTop = top.prev
	top.prev = nil
	return fb.stackTop
}
