// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnnynv/stepflow-monitor/internal/models"
)

func newTestLogWriter(t *testing.T) (*LogWriter, string) {
	t.Helper()
	root := t.TempDir()
	w := NewLogWriter(root, 4, 20*time.Millisecond)
	t.Cleanup(w.Close)
	return w, root
}

func entry(execID, stepID string, seq uint64, content string) models.LogEntry {
	return models.LogEntry{
		ExecutionID: execID,
		StepID:      stepID,
		Sequence:    seq,
		Timestamp:   time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC),
		Stream:      models.LogStreamStdout,
		Content:     content,
	}
}

func TestLogWriterFlushesToStepFile(t *testing.T) {
	w, root := newTestLogWriter(t)

	w.Append(entry("exec-1", "step-a", 1, "hello"), 0)
	w.Append(entry("exec-1", "step-a", 2, "world"), 0)
	w.FlushExecution("exec-1")

	raw, err := os.ReadFile(filepath.Join(root, "exec-1", "step_0_step-a.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[2026-03-14T09:26:53.589Z] hello", lines[0])
	assert.Equal(t, "[2026-03-14T09:26:53.589Z] world", lines[1])
}

func TestLogWriterStepLessLinesGoToOutputLog(t *testing.T) {
	w, root := newTestLogWriter(t)

	w.Append(entry("exec-2", "", 1, "preamble"), -1)
	w.FlushExecution("exec-2")

	raw, err := os.ReadFile(filepath.Join(root, "exec-2", "output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "preamble")
}

func TestLogWriterPeriodicFlush(t *testing.T) {
	w, root := newTestLogWriter(t)

	w.Append(entry("exec-3", "s", 1, "tick"), 0)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "exec-3", "step_0_s.log"))
		return err == nil
	}, time.Second, 10*time.Millisecond, "periodic flush should write the file")
}

func TestLogWriterReadStepTail(t *testing.T) {
	w, _ := newTestLogWriter(t)

	for i := 1; i <= 10; i++ {
		w.Append(entry("exec-4", "s", uint64(i), "line"), 2)
	}

	lines, err := w.ReadStepTail("exec-4", 2, "s", 3)
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	// Unknown step has no file and no error.
	lines, err = w.ReadStepTail("exec-4", 9, "nope", 3)
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestLogWriterDropDiscardsBuffers(t *testing.T) {
	w, root := newTestLogWriter(t)

	w.Append(entry("exec-5", "s", 1, "secret"), 0)
	w.Drop("exec-5")
	w.FlushExecution("exec-5")

	_, err := os.Stat(filepath.Join(root, "exec-5"))
	assert.True(t, os.IsNotExist(err))
}
