// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnnynv/stepflow-monitor/internal/models"
)

// logTimeFormat is the prefix format of every persisted log line.
const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LogWriter buffers per-step log entries in memory and flushes them to disk
// on a background goroutine, so a slow filesystem never pauses the engine.
// Appends block only when a buffer reaches its limit and the flush queue is
// full — lines are never dropped on the persistence path.
type LogWriter struct {
	root          string
	bufferLimit   int
	flushInterval time.Duration

	mu      sync.Mutex
	buffers map[string][]models.LogEntry // keyed by file path relative to root

	flushMu sync.Mutex // one flush at a time, so batches reach a file in order

	flushCh chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup

	linesLost atomic.Int64
}

// NewLogWriter creates a writer rooted at the executions directory and starts
// its flush worker.
func NewLogWriter(root string, bufferLimit int, flushInterval time.Duration) *LogWriter {
	if bufferLimit <= 0 {
		bufferLimit = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	w := &LogWriter{
		root:          root,
		bufferLimit:   bufferLimit,
		flushInterval: flushInterval,
		buffers:       make(map[string][]models.LogEntry),
		flushCh:       make(chan string, 256),
		stopCh:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// StepLogFile returns the log file name for a step.
func StepLogFile(index int, stepID string) string {
	return fmt.Sprintf("step_%d_%s.log", index, stepID)
}

// filePath maps an entry to its on-disk file. Lines read outside any step go
// to a per-execution output.log.
func (w *LogWriter) filePath(e models.LogEntry, stepIndex int) string {
	if e.StepID == "" {
		return filepath.Join(e.ExecutionID, "output.log")
	}
	return filepath.Join(e.ExecutionID, StepLogFile(stepIndex, e.StepID))
}

// Append buffers one log entry. stepIndex is ignored when the entry has no
// step. Blocks (rather than drops) when the flush worker is saturated.
func (w *LogWriter) Append(e models.LogEntry, stepIndex int) {
	path := w.filePath(e, stepIndex)

	w.mu.Lock()
	w.buffers[path] = append(w.buffers[path], e)
	full := len(w.buffers[path]) >= w.bufferLimit
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- path:
		case <-w.stopCh:
			w.flush(path)
		}
	}
}

// FlushExecution synchronously writes out every buffered entry of one
// execution. Called at finalization; a closing step schedules FlushStep
// instead.
func (w *LogWriter) FlushExecution(executionID string) {
	prefix := executionID + string(os.PathSeparator)
	w.mu.Lock()
	paths := make([]string, 0, 4)
	for p := range w.buffers {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.flush(p)
	}
}

// FlushStep schedules an asynchronous flush of one step's buffer, used when
// the step closes. Never blocks; the periodic tick covers a full queue.
func (w *LogWriter) FlushStep(executionID string, stepIndex int, stepID string) {
	path := filepath.Join(executionID, StepLogFile(stepIndex, stepID))
	select {
	case w.flushCh <- path:
	default:
	}
}

// Drop discards any buffered entries of a deleted execution.
func (w *LogWriter) Drop(executionID string) {
	prefix := executionID + string(os.PathSeparator)
	w.mu.Lock()
	for p := range w.buffers {
		if strings.HasPrefix(p, prefix) {
			delete(w.buffers, p)
		}
	}
	w.mu.Unlock()
}

// LinesLost reports how many lines could not be persisted after a retry.
func (w *LogWriter) LinesLost() int64 {
	return w.linesLost.Load()
}

func (w *LogWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case path := <-w.flushCh:
			w.flush(path)
		case <-ticker.C:
			w.flushAll()
		case <-w.stopCh:
			w.flushAll()
			return
		}
	}
}

func (w *LogWriter) flushAll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.buffers))
	for p := range w.buffers {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	for _, p := range paths {
		w.flush(p)
	}
}

// flush writes and clears one buffer. A failed write is retried once; after
// that the affected lines are counted as lost.
func (w *LogWriter) flush(path string) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	entries := w.buffers[path]
	delete(w.buffers, path)
	w.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	err := w.writeEntries(path, entries)
	if err != nil {
		getLog().Warn().Err(err).Str("file", path).Int("lines", len(entries)).
			Msg("Log flush failed, retrying once")
		err = w.writeEntries(path, entries)
	}
	if err != nil {
		w.linesLost.Add(int64(len(entries)))
		getLog().Error().Err(err).Str("file", path).Int("lines_lost", len(entries)).
			Msg("Log flush failed after retry, lines lost")
	}
}

func (w *LogWriter) writeEntries(path string, entries []models.LogEntry) error {
	full := filepath.Join(w.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "[%s] %s\n", e.Timestamp.UTC().Format(logTimeFormat), e.Content); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadStepTail returns up to n trailing lines of a step's log file (every
// line when n <= 0), flushing any buffered entries first. Used to build initial_state snapshots.
func (w *LogWriter) ReadStepTail(executionID string, stepIndex int, stepID string, n int) ([]string, error) {
	path := filepath.Join(executionID, StepLogFile(stepIndex, stepID))
	w.flush(path)

	f, err := os.Open(filepath.Join(w.root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(KindIOError, "read_step_tail", "failed to open log file", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindIOError, "read_step_tail", "failed to read log file", err)
	}
	return lines, nil
}

// Close flushes everything and stops the worker.
func (w *LogWriter) Close() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	w.wg.Wait()
}
