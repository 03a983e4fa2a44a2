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

import "sync/atomic"

// Group is the set of fibers belonging to one owner (for raft, one group per
// raft group). A group lives on exactly one dispatcher; all its fibers run
// there, one at a time.
type Group struct {
	name       string
	dispatcher *Dispatcher

	readyFibers []*Fiber
	fibers      map[*Fiber]struct{}
	daemons     map[*Fiber]struct{}

	currentFiber *Fiber
	ready        bool
	finished     bool

	shouldStop atomic.Bool

	shouldStopCond *Condition
}

// NewGroup creates a group bound to d. Register it with Dispatcher.StartGroup
// before firing fibers.
func NewGroup(name string, d *Dispatcher) *Group {
	g := &Group{
		name:       name,
		dispatcher: d,
		fibers:     make(map[*Fiber]struct{}),
		daemons:    make(map[*Fiber]struct{}),
	}
	g.shouldStopCond = g.NewCondition("groupShouldStop")
	return g
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Dispatcher returns the dispatcher owning this group.
func (g *Group) Dispatcher() *Dispatcher { return g.dispatcher }

// CurrentFiber returns the fiber executing right now, or nil between steps.
// Dispatcher goroutine only.
func (g *Group) CurrentFiber() *Fiber { return g.currentFiber }

// IsShouldStop reports whether shutdown was requested. Readable from fibers
// of the group and from other goroutines.
func (g *Group) IsShouldStop() bool { return g.shouldStop.Load() }

// IsFinished reports whether the group drained and was removed from the
// dispatcher. Dispatcher goroutine only.
func (g *Group) IsFinished() bool { return g.finished }

// ShouldStopCondition is signaled once when shutdown is requested; loop
// fibers await it together with their work conditions.
func (g *Group) ShouldStopCondition() *Condition { return g.shouldStopCond }

// RequestShutdown asks all fibers of the group to stop. The group finishes
// when every non-daemon fiber has completed. Safe from any goroutine.
func (g *Group) RequestShutdown() {
	g.dispatcher.Submit(func() {
		g.markShouldStop()
	})
}

func (g *Group) markShouldStop() {
	if !g.shouldStop.Swap(true) {
		g.shouldStopCond.SignalAll()
	}
	if len(g.fibers) == 0 {
		g.finished = true
	}
}

// Fire starts a fiber from any goroutine. Fibers fired into a stopping or
// finished group are dropped; callers that care check IsShouldStop first.
func (g *Group) Fire(fb *Fiber) {
	g.dispatcher.Submit(func() {
		if g.finished || g.shouldStop.Load() {
			return
		}
		fb.Start()
	})
}

// FireFiber creates and starts a fiber running root, from any goroutine.
func (g *Group) FireFiber(name string, root *Frame) {
	g.Fire(NewFiber(name, g, root))
}

// NewCondition creates a condition owned by this group.
func (g *Group) NewCondition(name string) *Condition {
	return &Condition{name: name, group: g}
}

// NewFuture creates an incomplete future owned by this group.
func (g *Group) NewFuture(name string) *Future {
	return &Future{name: name, group: g}
}

// NewCompletedFuture returns a future already completed with v.
func (g *Group) NewCompletedFuture(name string, v any) *Future {
	fu := g.NewFuture(name)
	fu.done = true
	fu.result = v
	return fu
}

// NewChannel creates an unbounded FIFO channel owned by this group.
func (g *Group) NewChannel(name string) *Channel {
	ch := &Channel{name: name, group: g}
	ch.notEmpty = g.NewCondition(name + "-notEmpty")
	return ch
}

func (g *Group) addFiber(fb *Fiber) {
	if fb.daemon {
		g.daemons[fb] = struct{}{}
	} else {
		g.fibers[fb] = struct{}{}
	}
}

func (g *Group) removeFiber(fb *Fiber) {
	if fb.daemon {
		delete(g.daemons, fb)
	} else {
		delete(g.fibers, fb)
	}
	if fb.done != nil {
		fb.done.Complete(nil)
	}
	if g.shouldStop.Load() && len(g.fibers) == 0 {
		g.finished = true
	}
}

// tryMakeFiberReady moves a blocked or new fiber onto the ready queue.
// addFirst gives timed-out fibers priority over newly signaled ones.
func (g *Group) tryMakeFiberReady(fb *Fiber, addFirst bool) {
	if g.finished || fb.finished || fb.ready {
		return
	}
	// fb.source is left in place: the dispatcher reads a completed future's
	// result from it at the next step, then clears it
	d := g.dispatcher
	d.tryRemoveFromScheduleQueue(fb)
	fb.ready = true
	if addFirst {
		g.readyFibers = append([]*Fiber{fb}, g.readyFibers...)
	} else {
		g.readyFibers = append(g.readyFibers, fb)
	}
	g.makeGroupReady()
}

func (g *Group) makeGroupReady() {
	if g.ready {
		return
	}
	g.ready = true
	d := g.dispatcher
	d.readyGroups = append(d.readyGroups, g)
}
