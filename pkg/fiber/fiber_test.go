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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestDispatcher(t *testing.T) (*Dispatcher, *Group) {
	t.Helper()
	d := NewDispatcher("test", nil)
	d.Start()
	g := NewGroup("testGroup", d)
	require.NoError(t, d.StartGroup(g))
	t.Cleanup(func() { d.Stop(5 * time.Second) })
	return d, g
}

func TestFiberRunsAndFinishes(t *testing.T) {
	_, g := startTestDispatcher(t)
	done := make(chan struct{})
	g.FireFiber("simple", NewFrame(func(any) (FrameCallResult, error) {
		close(done)
		return FrameReturn, nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber did not run")
	}
}

func TestConditionSignalWakesWaiter(t *testing.T) {
	d, g := startTestDispatcher(t)
	cond := make(chan *Condition, 1)
	woken := make(chan struct{})
	d.Submit(func() {
		c := g.NewCondition("test")
		cond <- c
		fb := NewFiber("waiter", g, NewFrame(func(any) (FrameCallResult, error) {
			return g.CurrentFiber().Await(c, func(any) (FrameCallResult, error) {
				close(woken)
				return FrameReturn, nil
			})
		}))
		fb.Start()
	})
	c := <-cond
	time.Sleep(50 * time.Millisecond)
	select {
	case <-woken:
		t.Fatal("woke without signal")
	default:
	}
	d.Submit(c.Signal)
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("signal did not wake waiter")
	}
}

func TestSleepResumesAfterDeadline(t *testing.T) {
	_, g := startTestDispatcher(t)
	start := time.Now()
	done := make(chan time.Duration, 1)
	g.FireFiber("sleeper", NewFrame(func(any) (FrameCallResult, error) {
		return g.CurrentFiber().Sleep(100*time.Millisecond, func(any) (FrameCallResult, error) {
			done <- time.Since(start)
			return FrameReturn, nil
		})
	}))
	select {
	case elapsed := <-done:
		require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never resumed")
	}
}

func TestFutureCrossThreadCompletion(t *testing.T) {
	d, g := startTestDispatcher(t)
	got := make(chan any, 1)
	fus := make(chan *Future, 1)
	d.Submit(func() {
		fu := g.NewFuture("result")
		fus <- fu
		g.FireFiber("awaiter", NewFrame(func(any) (FrameCallResult, error) {
			return g.CurrentFiber().Await(fu, func(v any) (FrameCallResult, error) {
				got <- v
				return FrameReturn, nil
			})
		}))
	})
	fu := <-fus
	go fu.FireComplete(42)
	select {
	case v := <-got:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("future completion never delivered")
	}
}

func TestAwaitCompletedFutureResumesImmediately(t *testing.T) {
	d, g := startTestDispatcher(t)
	got := make(chan any, 1)
	d.Submit(func() {
		fu := g.NewCompletedFuture("done", "v")
		g.FireFiber("awaiter", NewFrame(func(any) (FrameCallResult, error) {
			return g.CurrentFiber().Await(fu, func(v any) (FrameCallResult, error) {
				got <- v
				return FrameReturn, nil
			})
		}))
	})
	select {
	case v := <-got:
		require.Equal(t, "v", v)
	case <-time.After(time.Second):
		t.Fatal("completed future not delivered")
	}
}

func TestAwaitTimeoutDeliversErrTimeout(t *testing.T) {
	d, g := startTestDispatcher(t)
	errs := make(chan error, 1)
	d.Submit(func() {
		c := g.NewCondition("never")
		root := NewFrame(func(any) (FrameCallResult, error) {
			return g.CurrentFiber().AwaitTimeout(c, 50*time.Millisecond, func(any) (FrameCallResult, error) {
				errs <- nil
				return FrameReturn, nil
			})
		}).OnError(func(cause error) (FrameCallResult, error) {
			errs <- cause
			return FrameReturn, nil
		})
		g.FireFiber("timed", root)
	})
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestChannelHandsOffInOrder(t *testing.T) {
	d, g := startTestDispatcher(t)
	var got []int
	done := make(chan struct{})
	chs := make(chan *Channel, 1)
	d.Submit(func() {
		ch := g.NewChannel("ints")
		chs <- ch
		var loop FrameCall
		loop = func(any) (FrameCallResult, error) {
			fb := g.CurrentFiber()
			return ch.Take(fb, func(v any) (FrameCallResult, error) {
				got = append(got, v.(int))
				if len(got) == 3 {
					close(done)
					return FrameReturn, nil
				}
				return loop(nil)
			})
		}
		g.FireFiber("consumer", NewFrame(loop))
	})
	ch := <-chs
	for i := 1; i <= 3; i++ {
		ch.FireOffer(i)
	}
	select {
	case <-done:
		require.Equal(t, []int{1, 2, 3}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("channel consumer stalled")
	}
}

func TestSubFrameResultReachesParent(t *testing.T) {
	_, g := startTestDispatcher(t)
	got := make(chan any, 1)
	g.FireFiber("caller", NewFrame(func(any) (FrameCallResult, error) {
		fb := g.CurrentFiber()
		child := NewFrame(func(any) (FrameCallResult, error) {
			return fb.Return("fromChild")
		})
		return fb.Call(child, func(v any) (FrameCallResult, error) {
			got <- v
			return FrameReturn, nil
		})
	}))
	select {
	case v := <-got:
		require.Equal(t, "fromChild", v)
	case <-time.After(time.Second):
		t.Fatal("child result never arrived")
	}
}

func TestErrorPropagatesToParentHandler(t *testing.T) {
	_, g := startTestDispatcher(t)
	caught := make(chan error, 1)
	g.FireFiber("caller", NewFrame(func(any) (FrameCallResult, error) {
		fb := g.CurrentFiber()
		child := NewFrame(func(any) (FrameCallResult, error) {
			return FrameReturn, errTestBoom
		})
		return fb.Call(child, func(v any) (FrameCallResult, error) {
			t.Error("resume point must not run on child error")
			return FrameReturn, nil
		})
	}).OnError(func(cause error) (FrameCallResult, error) {
		caught <- cause
		return FrameReturn, nil
	}))
	select {
	case err := <-caught:
		require.ErrorIs(t, err, errTestBoom)
	case <-time.After(time.Second):
		t.Fatal("error never propagated")
	}
}

var errTestBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestFinallyRunsOnUnwind(t *testing.T) {
	_, g := startTestDispatcher(t)
	var order []string
	done := make(chan struct{})
	g.FireFiber("f", NewFrame(func(any) (FrameCallResult, error) {
		fb := g.CurrentFiber()
		child := NewFrame(func(any) (FrameCallResult, error) {
			order = append(order, "body")
			return FrameReturn, errTestBoom
		}).Finally(func() error {
			order = append(order, "finally")
			return nil
		})
		return fb.Call(child, func(any) (FrameCallResult, error) {
			return FrameReturn, nil
		})
	}).OnError(func(error) (FrameCallResult, error) {
		order = append(order, "handler")
		close(done)
		return FrameReturn, nil
	}))
	select {
	case <-done:
		require.Equal(t, []string{"body", "finally", "handler"}, order)
	case <-time.After(time.Second):
		t.Fatal("unwind never completed")
	}
}

func TestInterruptWakesBlockedFiber(t *testing.T) {
	d, g := startTestDispatcher(t)
	errs := make(chan error, 1)
	fbs := make(chan *Fiber, 1)
	d.Submit(func() {
		c := g.NewCondition("never")
		root := NewFrame(func(any) (FrameCallResult, error) {
			return g.CurrentFiber().Await(c, func(any) (FrameCallResult, error) {
				errs <- nil
				return FrameReturn, nil
			})
		}).OnError(func(cause error) (FrameCallResult, error) {
			errs <- cause
			return FrameReturn, nil
		})
		fb := NewFiber("blocked", g, root)
		fb.Start()
		fbs <- fb
	})
	fb := <-fbs
	time.Sleep(50 * time.Millisecond)
	fb.Interrupt()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrInterrupt)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt never delivered")
	}
}

func TestGroupShutdownDrainsFibers(t *testing.T) {
	d := NewDispatcher("shutdown", nil)
	d.Start()
	g := NewGroup("g", d)
	require.NoError(t, d.StartGroup(g))
	var ticks atomic.Int64
	d.Submit(func() {
		var loop FrameCall
		loop = func(any) (FrameCallResult, error) {
			fb := g.CurrentFiber()
			if g.IsShouldStop() {
				return fb.Return(nil)
			}
			ticks.Add(1)
			return fb.Sleep(10*time.Millisecond, loop)
		}
		NewFiber("looper", g, NewFrame(loop)).Start()
	})
	require.Eventually(t, func() bool { return ticks.Load() > 2 }, time.Second, 10*time.Millisecond)
	d.Stop(5 * time.Second)
}
