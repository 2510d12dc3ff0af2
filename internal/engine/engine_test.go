// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/hub"
	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

// setupEngine wires a real store and hub in a temp directory.
func setupEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()

	storageCfg := &config.StorageConfig{
		Path:             t.TempDir(),
		LogBufferEntries: 64,
		LogFlushInterval: 50 * time.Millisecond,
	}
	store := storage.NewStore(storageCfg)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	engineCfg := &config.EngineConfig{
		MaxConcurrentExecutions: 50,
		MaxLineBytes:            1024,
		CancelGrace:             300 * time.Millisecond,
		LineChannelSize:         64,
	}
	events := hub.New(256)
	t.Cleanup(events.Close)

	return New(engineCfg, storageCfg, store, events), store
}

// runToCompletion starts a command and waits for its terminal record.
func runToCompletion(t *testing.T, e *Engine, store *storage.Store, command string) *models.Execution {
	t.Helper()
	execution := models.NewExecution("test", command, "")
	require.NoError(t, store.SaveExecution(context.Background(), execution))
	require.NoError(t, e.Start(execution, 0))
	e.Wait(execution.ID)

	got, err := store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	require.True(t, got.Status.IsTerminal(), "execution should be terminal, got %s", got.Status)
	return got
}

func TestHappyPath(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo STEP_START:build; echo hello; echo STEP_COMPLETE:build")

	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	require.Len(t, got.Steps, 1)
	step := got.Steps[0]
	assert.Equal(t, "build", step.Name)
	assert.Equal(t, 0, step.Index)
	assert.Equal(t, models.StepStatusCompleted, step.Status)
	assert.Equal(t, 1, got.CompletedSteps)
	assert.Equal(t, 1, got.TotalSteps)
	assert.Equal(t, -1, got.CurrentStepIndex)

	// Timestamps respect created <= started <= completed.
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.StartedAt.Before(got.CreatedAt))
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))

	// The ordinary line landed in the step's log file.
	lines, err := store.Logs().ReadStepTail(got.ID, step.Index, step.ID, 10)
	require.NoError(t, err)
	joined := fmt.Sprint(lines)
	assert.Contains(t, joined, "hello")
	assert.Contains(t, joined, "STEP_START:build", "marker lines stay in the raw transcript")
}

func TestCriticalStepFailure(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo STEP_START:tests; echo STEP_ERROR:assertion failed; sleep 5; echo STEP_START:late")

	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "assertion failed", got.ErrorMessage)

	require.Len(t, got.Steps, 1, "no step may start after a critical failure")
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)
	assert.Equal(t, "assertion failed", got.Steps[0].ErrorMessage)
}

func TestOptionalStepFailure(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo 'STEP_START:warmup[stop_on_error=false]'; echo STEP_ERROR:cache miss; echo STEP_START:main; echo STEP_COMPLETE:main")

	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)
	assert.Equal(t, "cache miss", got.Steps[0].ErrorMessage)
	assert.Equal(t, models.StepStatusCompleted, got.Steps[1].Status)
	assert.Equal(t, 1, got.CompletedSteps)
}

func TestImplicitStepCompletion(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo STEP_START:first; echo STEP_START:second")

	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.StepStatusCompleted, got.Steps[0].Status)
	// The step still running at exit is closed on finalization.
	assert.Equal(t, models.StepStatusCompleted, got.Steps[1].Status)
	assert.Equal(t, 2, got.CompletedSteps)
	assert.Equal(t, []int{0, 1}, []int{got.Steps[0].Index, got.Steps[1].Index})
}

func TestMismatchedStepCompleteStillCloses(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo STEP_START:build; echo STEP_COMPLETE:deploy")

	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusCompleted, got.Steps[0].Status)
	assert.Equal(t, "deploy", got.Steps[0].Metadata["completed_as"])
}

func TestNonZeroExitFailsExecution(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store, "echo STEP_START:build; exit 3")

	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)
}

func TestSpawnFailure(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store, "/nonexistent-binary-for-stepflow-tests")

	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "failed to start command")
	assert.Empty(t, got.Steps)
	assert.Nil(t, got.ExitCode)
}

func TestCancel(t *testing.T) {
	e, store := setupEngine(t)

	execution := models.NewExecution("cancel me", "echo STEP_START:loop; sleep 60", "")
	require.NoError(t, store.SaveExecution(context.Background(), execution))
	require.NoError(t, e.Start(execution, 0))

	// Let the step start before cancelling.
	require.Eventually(t, func() bool {
		st := e.Get(execution.ID)
		return st != nil && st.Summary().TotalSteps == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Cancel(execution.ID, "cancelled"))
	// A second cancel is a no-op.
	require.NoError(t, e.Cancel(execution.ID, "cancelled"))

	doneAt := time.Now()
	e.Wait(execution.ID)
	assert.Less(t, time.Since(doneAt), 5*time.Second, "cancel must finalize within the grace window")

	got, err := store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)
	assert.Equal(t, "cancelled", got.Steps[0].ErrorMessage)
	require.NotNil(t, got.ExitCode)
	assert.Negative(t, *got.ExitCode, "exit code reflects signal termination")
}

func TestTimeout(t *testing.T) {
	e, store := setupEngine(t)

	execution := models.NewExecution("slow", "sleep 60", "")
	require.NoError(t, store.SaveExecution(context.Background(), execution))
	require.NoError(t, e.Start(execution, 300*time.Millisecond))
	e.Wait(execution.ID)

	got, err := store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, "timeout", got.ErrorMessage)
}

func TestCancelUnknownExecution(t *testing.T) {
	e, _ := setupEngine(t)
	assert.ErrorIs(t, e.Cancel("missing", "x"), ErrUnknown)
}

func TestEmptyCommandRejected(t *testing.T) {
	e, _ := setupEngine(t)
	execution := models.NewExecution("", "   ", "")
	assert.ErrorIs(t, e.Start(execution, 0), ErrEmptyCommand)
}

func TestReadPipeSplitsLongLines(t *testing.T) {
	e, _ := setupEngine(t)

	// 3000 bytes on one line with MaxLineBytes=1024 -> parts of 1024, 1024
	// and 952, only the first flagged truncated.
	payload := strings.Repeat("a", 3000) + "\nshort\n"
	out := make(chan line, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go e.readPipe(io.NopCloser(strings.NewReader(payload)), models.LogStreamStdout, out, &wg)
	wg.Wait()
	close(out)

	var parts []line
	for ln := range out {
		parts = append(parts, ln)
	}
	require.Len(t, parts, 4)
	assert.Len(t, parts[0].text, 1024)
	assert.True(t, parts[0].truncated, "first part carries the truncated flag")
	assert.Len(t, parts[1].text, 1024)
	assert.False(t, parts[1].truncated)
	assert.Len(t, parts[2].text, 952)
	assert.False(t, parts[2].truncated)
	assert.Equal(t, "short", parts[3].text)
	assert.False(t, parts[3].truncated)
}

func TestLongLinesLandInStepLogInOrder(t *testing.T) {
	e, store := setupEngine(t)

	got := runToCompletion(t, e, store,
		"echo STEP_START:big; head -c 3000 /dev/zero | tr '\\0' 'a'; echo; echo STEP_COMPLETE:big")
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.Len(t, got.Steps, 1)

	lines, err := store.Logs().ReadStepTail(got.ID, 0, got.Steps[0].ID, 0)
	require.NoError(t, err)
	// Marker, three parts, closing marker.
	require.Len(t, lines, 5)

	total := 0
	for _, l := range lines[1:4] {
		content := l[strings.Index(l, "] ")+2:]
		assert.LessOrEqual(t, len(content), 1024)
		total += len(content)
	}
	assert.Equal(t, 3000, total, "split parts preserve every byte in order")
}

func TestConcurrentExecutionsPreserveOrder(t *testing.T) {
	e, store := setupEngine(t)

	const workers = 20
	const linesPer = 50
	script := fmt.Sprintf("i=0; while [ $i -lt %d ]; do echo line-$i; i=$((i+1)); done", linesPer)

	ids := make([]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		execution := models.NewExecution(fmt.Sprintf("worker-%d", w), script, "")
		ids[w] = execution.ID
		require.NoError(t, store.SaveExecution(context.Background(), execution))
		require.NoError(t, e.Start(execution, 0))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.Wait(id)
		}(execution.ID)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := store.GetExecution(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, got.Status)

		// Step-less output lands in output.log in emission order.
		raw, err := os.ReadFile(filepath.Join(e.storageCfg.ExecutionsDir(), id, "output.log"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		require.Len(t, lines, linesPer)
		for i, l := range lines {
			assert.True(t, strings.HasSuffix(l, fmt.Sprintf("] line-%d", i)), "line %d out of order: %q", i, l)
		}
	}
}

func TestCapacityLimit(t *testing.T) {
	e, store := setupEngine(t)
	e.cfg.MaxConcurrentExecutions = 1

	first := models.NewExecution("", "sleep 2", "")
	require.NoError(t, store.SaveExecution(context.Background(), first))
	require.NoError(t, e.Start(first, 0))

	second := models.NewExecution("", "true", "")
	assert.ErrorIs(t, e.Start(second, 0), ErrCapacity)

	require.NoError(t, e.Cancel(first.ID, "cleanup"))
	e.Wait(first.ID)
}

func TestShutdownCancelsActiveExecutions(t *testing.T) {
	e, store := setupEngine(t)

	execution := models.NewExecution("", "sleep 60", "")
	require.NoError(t, store.SaveExecution(context.Background(), execution))
	require.NoError(t, e.Start(execution, 0))

	e.Shutdown(5 * time.Second)

	got, err := store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, CancelReasonShutdown, got.ErrorMessage)

	// New work is refused while draining.
	late := models.NewExecution("", "true", "")
	assert.ErrorIs(t, e.Start(late, 0), ErrShuttingDown)
}
