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

// Future carries one result across fibers, and is the re-entry point for
// work finished off the dispatcher (blocking IO, RPC callbacks). Complete*
// run on the dispatcher; FireComplete* are safe from any goroutine.
type Future struct {
	name  string
	group *Group

	done   bool
	result any
	err    error

	waitQueue []*Fiber
	callbacks []func(v any, err error)
}

func (fu *Future) String() string { return "future:" + fu.name }

// IsDone reports completion. Dispatcher goroutine only.
func (fu *Future) IsDone() bool { return fu.done }

// Result returns the completion value. Valid only after IsDone.
func (fu *Future) Result() any { return fu.result }

// Err returns the completion error. Valid only after IsDone.
func (fu *Future) Err() error { return fu.err }

// Complete finishes the future with a value. Dispatcher goroutine only.
// Repeated completion is ignored.
func (fu *Future) Complete(v any) {
	fu.complete(v, nil)
}

// CompleteExceptionally finishes the future with an error.
func (fu *Future) CompleteExceptionally(err error) {
	fu.complete(nil, err)
}

// FireComplete finishes the future from any goroutine, waking waiters on the
// owning dispatcher.
func (fu *Future) FireComplete(v any) {
	fu.group.dispatcher.Submit(func() {
		fu.complete(v, nil)
	})
}

// FireCompleteExceptionally is FireComplete with an error.
func (fu *Future) FireCompleteExceptionally(err error) {
	fu.group.dispatcher.Submit(func() {
		fu.complete(nil, err)
	})
}

// RegisterCallback runs fn when the future completes, on the dispatcher.
// If already complete, fn runs immediately.
func (fu *Future) RegisterCallback(fn func(v any, err error)) {
	if fu.done {
		fn(fu.result, fu.err)
		return
	}
	fu.callbacks = append(fu.callbacks, fn)
}

func (fu *Future) complete(v any, err error) {
	if fu.done {
		return
	}
	fu.done = true
	fu.result = v
	fu.err = err
	q := fu.waitQueue
	fu.waitQueue = nil
	for _, fb := range q {
		fu.group.tryMakeFiberReady(fb, false)
	}
	cbs := fu.callbacks
	fu.callbacks = nil
	for _, fn := range cbs {
		fn(v, err)
	}
}

func (fu *Future) shouldWait(*Fiber) bool { return !fu.done }

func (fu *Future) addWaiter(fb *Fiber) {
	fu.waitQueue = append(fu.waitQueue, fb)
}

func (fu *Future) removeWaiter(fb *Fiber) {
	for i, w := range fu.waitQueue {
		if w == fb {
			fu.waitQueue = append(fu.waitQueue[:i], fu.waitQueue[i+1:]...)
			return
		}
	}
}

// AllOf returns a future completed when all inputs complete; it fails with
// the first error observed.
func AllOf(g *Group, name string, futures ...*Future) *Future {
	out := g.NewFuture(name)
	if len(futures) == 0 {
		out.Complete(nil)
		return out
	}
	remaining := len(futures)
	for _, fu := range futures {
		fu.RegisterCallback(func(_ any, err error) {
			if err != nil {
				out.complete(nil, err)
				return
			}
			remaining--
			if remaining == 0 {
				out.Complete(nil)
			}
		})
	}
	return out
}
