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
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPollTimeout = 50 * time.Millisecond

// Timestamp is the dispatcher's coarse clock, refreshed once per loop
// iteration. Components on the dispatcher read it instead of calling
// time.Now for every bookkeeping step.
type Timestamp struct {
	NanoTime   int64
	WallMillis int64
}

func (ts *Timestamp) refresh() {
	now := time.Now()
	ts.NanoTime = now.UnixNano()
	ts.WallMillis = now.UnixMilli()
}

// Dispatcher owns one goroutine running the cooperative scheduler for its
// groups. Everything reachable from a group is mutated only on this
// goroutine; Submit is the only ingress from outside.
type Dispatcher struct {
	name   string
	logger *zap.Logger

	queue taskQueue

	groups      []*Group
	readyGroups []*Group
	sched       scheduleHeap

	ts Timestamp

	poll        bool
	pollTimeout time.Duration
	shouldStop  bool
	stopped     chan struct{}

	// per-step scratch, reset after each fiber step
	inputObj any
	fatalErr error
}

// NewDispatcher creates a dispatcher; call Start to launch its goroutine.
func NewDispatcher(name string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		name:        name,
		logger:      logger.With(zap.String("dispatcher", name)),
		poll:        true,
		pollTimeout: defaultPollTimeout,
		stopped:     make(chan struct{}),
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

// Timestamp returns the coarse clock. Dispatcher goroutine only.
func (d *Dispatcher) Timestamp() *Timestamp { return &d.ts }

// Start launches the dispatcher goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// StartGroup registers g; fibers may be fired afterwards. Blocks until the
// dispatcher accepted the group.
func (d *Dispatcher) StartGroup(g *Group) error {
	res := make(chan error, 1)
	d.Submit(func() {
		if d.shouldStop {
			res <- ErrDispatcherStopped
			return
		}
		d.groups = append(d.groups, g)
		res <- nil
	})
	return <-res
}

// Stop requests shutdown of every group and returns once the dispatcher
// goroutine exited or the timeout elapsed.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.Submit(func() {
		d.shouldStop = true
		for _, g := range d.groups {
			g.markShouldStop()
		}
	})
	select {
	case <-d.stopped:
	case <-time.After(timeout):
		d.logger.Warn("dispatcher stop timeout")
	}
}

// Submit enqueues fn to run on the dispatcher goroutine. The only legal
// ingress from other goroutines.
func (d *Dispatcher) Submit(fn func()) {
	d.queue.add(fn)
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	var local []func()
	for !d.finished() {
		local = d.pollAndRefreshTs(local[:0])
		d.processScheduleFibers()
		for _, fn := range local {
			fn()
		}

		n := len(d.readyGroups)
		for i := 0; i < n; i++ {
			g := d.readyGroups[0]
			d.readyGroups = d.readyGroups[1:]
			d.execGroup(g)
			if g.ready {
				d.readyGroups = append(d.readyGroups, g)
			}
		}
		d.removeFinishedGroups()
	}
	d.logger.Info("fiber dispatcher exit")
}

func (d *Dispatcher) finished() bool {
	return d.shouldStop && len(d.groups) == 0
}

func (d *Dispatcher) removeFinishedGroups() {
	kept := d.groups[:0]
	for _, g := range d.groups {
		if g.finished {
			d.logger.Info("fiber group finished", zap.String("group", g.name))
		} else {
			kept = append(kept, g)
		}
	}
	d.groups = kept
}

func (d *Dispatcher) pollAndRefreshTs(local []func()) []func() {
	oldNanos := d.ts.NanoTime
	wait := d.pollTimeout
	if fb := d.sched.peek(); fb != nil {
		t := time.Duration(fb.scheduleNanoTime - oldNanos)
		if t <= 0 {
			wait = 0
		} else if t < wait {
			wait = t
		}
	}
	if d.poll && wait > 0 {
		local = d.queue.poll(local, wait)
	} else {
		local = d.queue.drain(local)
	}
	d.ts.refresh()
	d.poll = d.ts.NanoTime-oldNanos > 2*int64(time.Millisecond) || len(local) == 0
	return local
}

// processScheduleFibers promotes sleeping fibers whose deadline elapsed.
// Fibers still parked on a wait source resume with ErrTimeout.
func (d *Dispatcher) processScheduleFibers() {
	now := d.ts.NanoTime
	for {
		fb := d.sched.peek()
		if fb == nil || fb.scheduleNanoTime-now > 0 {
			return
		}
		heap.Pop(&d.sched)
		if fb.source != nil {
			fb.lastErr = ErrTimeout
			fb.source.removeWaiter(fb)
			fb.source = nil
		}
		fb.scheduleTimeout = 0
		fb.scheduleNanoTime = 0
		fb.group.tryMakeFiberReady(fb, true)
	}
}

func (d *Dispatcher) execGroup(g *Group) {
	size := len(g.readyFibers)
	for i := 0; i < size; i++ {
		fb := g.readyFibers[0]
		g.readyFibers = g.readyFibers[1:]
		d.execFiber(g, fb)
	}
	// fibers made ready during this pass wait one tick, so timers are not
	// starved by a busy fiber ping-ponging with a condition
	if len(g.readyFibers) > 0 {
		d.poll = false
	}
	g.ready = len(g.readyFibers) > 0 && !g.finished
}

func (d *Dispatcher) execFiber(g *Group, fb *Fiber) {
	defer func() {
		d.inputObj = nil
		g.currentFiber = nil
		fb.lastErr = nil
		d.fatalErr = nil
	}()
	g.currentFiber = fb
	fr := fb.stackTop
	for fr != nil {
		if fb.source != nil {
			if fu, ok := fb.source.(*Future); ok {
				fb.lastErr = fu.err
				d.inputObj = fu.result
			}
			fb.source = nil
		}
		d.processFrame(fb, fr)
		if d.fatalErr != nil {
			fb.lastErr = d.fatalErr
			break
		}
		if !fb.ready {
			return
		}
		if fr == fb.stackTop {
			if fb.source != nil {
				// awaited an already-completed source
				if fb.lastErr == nil {
					continue
				}
				fb.lastErr = newUsageFatal("error returned after Await on completed source")
				break
			}
			d.inputObj = fr.result
			fr = fb.popFrame()
		} else {
			// pushed a sub frame
			if fb.lastErr != nil {
				fb.lastErr = newUsageFatal("Call must be the last statement of a step")
				break
			}
			fr = fb.stackTop
		}
	}
	if fb.lastErr != nil {
		d.logger.Error("fiber execute error",
			zap.String("group", g.name), zap.String("fiber", fb.name), zap.Error(fb.lastErr))
	}
	fb.finished = true
	fb.ready = false
	g.removeFiber(fb)
}

func (d *Dispatcher) processFrame(fb *Fiber, fr *Frame) {
	if fb.lastErr != nil {
		err := fb.lastErr
		fb.lastErr = nil
		d.tryHandle(fb, fr, err)
	} else {
		input := d.inputObj
		d.inputObj = nil
		if fr.status < statusBodyCalled {
			fr.status = statusBodyCalled
		}
		rp := fr.resumePoint
		fr.resumePoint = nil
		if _, err := rp(input); err != nil {
			d.tryHandle(fb, fr, err)
		}
	}
	if fr.status < statusFinallyCalled && fr.resumePoint == nil {
		fr.status = statusFinallyCalled
		if fr.finallyFn != nil {
			if err := fr.finallyFn(); err != nil {
				fb.lastErr = err
			}
		}
	}
}

func (d *Dispatcher) tryHandle(fb *Fiber, fr *Frame, cause error) {
	fr.resumePoint = nil
	if fr.status < statusCatchCalled && fr.handle != nil {
		fr.status = statusCatchCalled
		if _, err := fr.handle(cause); err != nil {
			fb.lastErr = err
		}
	} else {
		fb.lastErr = cause
	}
}

// fatal records a usage error, requests shutdown of the offending group and
// returns the error for the violating call site to propagate.
func (d *Dispatcher) fatal(g *Group, err error) error {
	d.fatalErr = err
	g.markShouldStop()
	return err
}

func (d *Dispatcher) interrupt(fb *Fiber) {
	if fb.finished || fb.group.finished {
		return
	}
	if fb.ready {
		fb.interrupted = true
		return
	}
	if fb.source != nil {
		fb.source.removeWaiter(fb)
		fb.source = nil
	}
	fb.interrupted = false
	fb.lastErr = ErrInterrupt
	d.tryRemoveFromScheduleQueue(fb)
	fb.group.tryMakeFiberReady(fb, false)
}

func (d *Dispatcher) addToScheduleQueue(fb *Fiber, timeout time.Duration) {
	fb.scheduleTimeout = timeout
	fb.scheduleNanoTime = d.ts.NanoTime + int64(timeout)
	heap.Push(&d.sched, fb)
}

func (d *Dispatcher) tryRemoveFromScheduleQueue(fb *Fiber) {
	if fb.scheduleTimeout > 0 && fb.heapIdx >= 0 {
		fb.scheduleTimeout = 0
		fb.scheduleNanoTime = 0
		heap.Remove(&d.sched, fb.heapIdx)
	}
}

// scheduleHeap orders fibers by wakeup time, earliest first.
type scheduleHeap []*Fiber

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool {
	return h[i].scheduleNanoTime-h[j].scheduleNanoTime < 0
}

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *scheduleHeap) Push(x any) {
	fb := x.(*Fiber)
	fb.heapIdx = len(*h)
	*h = append(*h, fb)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	fb := old[n-1]
	old[n-1] = nil
	fb.heapIdx = -1
	*h = old[:n-1]
	return fb
}

func (h scheduleHeap) peek() *Fiber {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// taskQueue is the cross-goroutine submission queue: unbounded, with a
// single notify channel so the dispatcher can block with a timeout.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
	once   sync.Once
}

func (q *taskQueue) init() {
	q.once.Do(func() {
		q.notify = make(chan struct{}, 1)
	})
}

func (q *taskQueue) add(fn func()) {
	q.init()
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain(into []func()) []func() {
	q.init()
	q.mu.Lock()
	into = append(into, q.tasks...)
	q.tasks = q.tasks[:0]
	q.mu.Unlock()
	return into
}

func (q *taskQueue) poll(into []func(), timeout time.Duration) []func() {
	q.init()
	if out := q.drain(into); len(out) > 0 {
		return out
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notify:
	case <-timer.C:
	}
	return q.drain(into)
}
