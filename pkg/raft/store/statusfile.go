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
	"bufio"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/azhsmesos/dongting/pkg/fiber"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// The status file is a single 512-byte record: 8 hex CRC digits, CRLF, then
// properties-style lines space-padded to the end. The CRC covers bytes
// [10, 512). Writes are whole-record followed by a sync; a reader that sees
// anything else fails hard.
const (
	statusFileLength   = 512
	statusCrcHexLength = 8
	statusContentStart = statusCrcHexLength + 2

	currentTermKey    = "currentTerm"
	votedForKey       = "votedFor"
	commitIndexKey    = "commitIndex"
	commitIndexPosKey = "commitIndexPos"
)

// PersistedStatus is the durable per-group hard state.
type PersistedStatus struct {
	CurrentTerm uint32
	VotedFor    uint32
	// CommitIndex and its byte position bound the restore scan; they are
	// advisory and may trail the true commit index.
	CommitIndex    uint64
	CommitIndexPos int64
}

// LoadStatusFile reads and verifies the record, returning zero status if
// the file does not exist yet.
func LoadStatusFile(path string) (PersistedStatus, error) {
	var st PersistedStatus
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if len(data) != statusFileLength {
		return st, errors.Newf("bad status file length: %d", len(data))
	}
	wantCrc, err := strconv.ParseUint(string(data[:statusCrcHexLength]), 16, 32)
	if err != nil {
		return st, errors.Wrap(err, "bad status file crc field")
	}
	if got := crc32.Checksum(data[statusContentStart:], castagnoli); uint32(wantCrc) != got {
		return st, errors.Newf("bad status file crc: %08x, expect %08x", wantCrc, got)
	}
	sc := bufio.NewScanner(strings.NewReader(string(data[statusContentStart:])))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		n, perr := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if perr != nil {
			return st, errors.Wrapf(perr, "bad status property %s", k)
		}
		switch strings.TrimSpace(k) {
		case currentTermKey:
			st.CurrentTerm = uint32(n)
		case votedForKey:
			st.VotedFor = uint32(n)
		case commitIndexKey:
			st.CommitIndex = n
		case commitIndexPosKey:
			st.CommitIndexPos = int64(n)
		}
	}
	return st, nil
}

func encodeStatusFile(st PersistedStatus) []byte {
	content := fmt.Sprintf("%s=%d\n%s=%d\n%s=%d\n%s=%d\n",
		currentTermKey, st.CurrentTerm, votedForKey, st.VotedFor,
		commitIndexKey, st.CommitIndex, commitIndexPosKey, st.CommitIndexPos)
	record := make([]byte, statusFileLength)
	for i := range record {
		record[i] = ' '
	}
	copy(record[statusContentStart:], content)
	record[statusContentStart-2] = '\r'
	record[statusContentStart-1] = '\n'
	crc := crc32.Checksum(record[statusContentStart:], castagnoli)
	copy(record, fmt.Sprintf("%08x", crc))
	return record
}

// StatusManager serializes status-file persists on a fiber: a new request
// while one is in flight queues behind it, and WaitForce observes the force
// of the latest request made before the wait.
type StatusManager struct {
	path   string
	file   *os.File
	group  *fiber.Group
	exec   *IOExecutor
	logger *zap.Logger

	status PersistedStatus

	requestVersion int64
	persistVersion int64

	needPersist *fiber.Condition
	persisted   *fiber.Condition
	fiberHandle *fiber.Fiber
	closed      bool
}

// NewStatusManager opens (or creates) the status file and loads it.
func NewStatusManager(dir string, g *fiber.Group, exec *IOExecutor, logger *zap.Logger) (*StatusManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "status")
	st, err := LoadStatusFile(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	m := &StatusManager{
		path:   path,
		file:   f,
		group:  g,
		exec:   exec,
		logger: logger,
		status: st,
	}
	m.needPersist = g.NewCondition("statusNeedPersist")
	m.persisted = g.NewCondition("statusPersisted")
	root := fiber.NewFrame(m.persistLoop).OnError(func(cause error) (fiber.FrameCallResult, error) {
		logger.Error("status persist fiber failed", zap.Error(cause))
		g.RequestShutdown()
		return fiber.FrameReturn, nil
	})
	m.fiberHandle = fiber.NewFiber("statusPersist", g, root)
	return m, nil
}

// Status returns the last loaded or requested status.
func (m *StatusManager) Status() PersistedStatus { return m.status }

// StartFiber launches the persist fiber.
func (m *StatusManager) StartFiber() { m.fiberHandle.Start() }

// Close stops the persist fiber after the in-flight write.
func (m *StatusManager) Close() {
	m.closed = true
	m.needPersist.Signal()
	m.persisted.SignalAll()
}

// PersistAsync requests that st be made durable. Returns the request
// version to pass to WaitForceFrame.
func (m *StatusManager) PersistAsync(st PersistedStatus) int64 {
	m.status = st
	m.requestVersion++
	m.needPersist.Signal()
	return m.requestVersion
}

// WaitForceFrame completes when the persist of request version v (and
// everything before it) reached stable storage.
func (m *StatusManager) WaitForceFrame(v int64) *fiber.Frame {
	var fr *fiber.Frame
	var body fiber.FrameCall
	body = func(any) (fiber.FrameCallResult, error) {
		fb := fr.Fiber()
		if m.closed {
			return fiber.FrameReturn, ErrStatusClosed
		}
		if m.persistVersion >= v {
			return fb.Return(nil)
		}
		return fb.Await(m.persisted, body)
	}
	fr = fiber.NewFrame(body)
	return fr
}

// ErrStatusClosed reports a wait abandoned because the group is stopping.
var ErrStatusClosed = errors.New("status manager closed")

func (m *StatusManager) persistLoop(any) (fiber.FrameCallResult, error) {
	fb := m.fiberHandle
	if m.closed {
		return fb.Return(nil)
	}
	if m.persistVersion >= m.requestVersion {
		return fb.Await(m.needPersist, m.persistLoop)
	}
	version := m.requestVersion
	record := encodeStatusFile(m.status)
	fu := m.group.NewFuture("statusWrite")
	m.exec.Submit(func() {
		err := m.writeRecord(record)
		if err != nil {
			// single retry after a second, then give up to the error
			// handler which stops the group
			time.Sleep(time.Second)
			err = m.writeRecord(record)
		}
		if err != nil {
			fu.FireCompleteExceptionally(err)
		} else {
			fu.FireComplete(nil)
		}
	})
	return fb.Await(fu, func(any) (fiber.FrameCallResult, error) {
		m.persistVersion = version
		m.persisted.SignalAll()
		return m.persistLoop(nil)
	})
}

// writeRecord writes the whole record and syncs. Runs on the IO executor.
func (m *StatusManager) writeRecord(record []byte) error {
	if _, err := m.file.WriteAt(record, 0); err != nil {
		return err
	}
	return m.file.Sync()
}
