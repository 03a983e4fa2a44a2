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

package store

import (
	"os"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/cockroachdb/errors"
)

// IOExecutor runs blocking file operations off the dispatcher. Results
// re-enter fiber land through future completion.
type IOExecutor struct {
	tasks chan func()
	done  chan struct{}
}

// NewIOExecutor starts workers goroutines serving blocking IO.
func NewIOExecutor(workers int) *IOExecutor {
	e := &IOExecutor{
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *IOExecutor) worker() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			return
		}
	}
}

// Submit enqueues fn; blocks if all workers are busy and the queue is full.
func (e *IOExecutor) Submit(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Close stops the workers. Pending tasks may be dropped.
func (e *IOExecutor) Close() {
	close(e.done)
}

// asyncIOTask is one retryable write/sync against a log file. The write
// itself runs on the IOExecutor; the returned future completes on the
// owning dispatcher.
type asyncIOTask struct {
	group         *fiber.Group
	exec          *IOExecutor
	file          *LogFile
	retryInterval []time.Duration
	retryForever  bool
	cancel        func() bool

	future *fiber.Future
	buf    []byte
}

func newAsyncIOTask(g *fiber.Group, exec *IOExecutor, lf *LogFile,
	retryInterval []time.Duration, retryForever bool, cancel func() bool) *asyncIOTask {
	return &asyncIOTask{
		group:         g,
		exec:          exec,
		file:          lf,
		retryInterval: retryInterval,
		retryForever:  retryForever,
		cancel:        cancel,
		future:        g.NewFuture("io-" + lf.Name()),
	}
}

// write persists buf at posInFile, retrying per the backoff vector. The
// buffer is owned by the task until the future completes.
func (t *asyncIOTask) write(buf []byte, posInFile int64) *fiber.Future {
	t.buf = buf
	t.exec.Submit(func() {
		err := t.withRetry(func() error {
			_, werr := t.file.File.WriteAt(buf, posInFile)
			return werr
		})
		if err != nil {
			t.future.FireCompleteExceptionally(err)
		} else {
			t.future.FireComplete(nil)
		}
	})
	return t.future
}

// sync forces the file to stable storage.
func (t *asyncIOTask) sync() *fiber.Future {
	t.exec.Submit(func() {
		err := t.withRetry(t.file.File.Sync)
		if err != nil {
			t.future.FireCompleteExceptionally(err)
		} else {
			t.future.FireComplete(nil)
		}
	})
	return t.future
}

func (t *asyncIOTask) withRetry(op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if t.cancel != nil && t.cancel() {
			return errors.Wrap(errCanceled, "io task")
		}
		err = op()
		if err == nil {
			return nil
		}
		var wait time.Duration
		switch {
		case attempt < len(t.retryInterval):
			wait = t.retryInterval[attempt]
		case t.retryForever && len(t.retryInterval) > 0:
			wait = t.retryInterval[len(t.retryInterval)-1]
		default:
			return err
		}
		time.Sleep(wait)
	}
}

var errCanceled = errors.New("io task canceled")

func createFixedSizeFile(path string, size int64, magic uint32) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, err
	}
	var hdr [fileHeaderSize]byte
	putFileHeader(hdr[:], magic)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}
