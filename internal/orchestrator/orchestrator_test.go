// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Storage: config.StorageConfig{
			Path:             t.TempDir(),
			LogBufferEntries: 64,
			LogFlushInterval: 50 * time.Millisecond,
			OptimizeInterval: time.Hour,
		},
		Engine: config.EngineConfig{
			MaxConcurrentExecutions: 10,
			MaxLineBytes:            64 * 1024,
			CancelGrace:             300 * time.Millisecond,
			LineChannelSize:         64,
		},
		Hub: config.HubConfig{
			SubscriberQueueSize: 64,
			SnapshotLogLines:    10,
		},
	}
}

// seedOrphan writes a crashed-looking execution straight into the database.
func seedOrphan(t *testing.T, cfg *config.AppConfig, status models.ExecutionStatus) string {
	t.Helper()
	store := storage.NewStore(&cfg.Storage)
	require.NoError(t, store.Initialize())

	e := models.NewExecution("orphan", "sleep 999", "")
	e.Status = status
	require.NoError(t, store.SaveExecution(context.Background(), e))

	step := models.NewStep(e.ID, 0, "stuck")
	require.NoError(t, store.SaveStep(context.Background(), step))
	require.NoError(t, store.Close())
	return e.ID
}

func TestRecoveryFailsOrphanedExecutions(t *testing.T) {
	cfg := testConfig(t)
	id := seedOrphan(t, cfg, models.ExecutionStatusRunning)

	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	got, err := o.Store().GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, restartErrorMessage, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)
}

func TestRecoveryIsIdempotentAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	id := seedOrphan(t, cfg, models.ExecutionStatusPending)

	// First restart fails the orphan.
	o, err := New(cfg)
	require.NoError(t, err)
	first, err := o.Store().GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.Close())
	assert.Equal(t, models.ExecutionStatusFailed, first.Status)
	firstCompleted := *first.CompletedAt

	// Second restart changes nothing.
	o2, err := New(cfg)
	require.NoError(t, err)
	defer o2.Close()
	second, err := o2.Store().GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, second.Status)
	assert.Equal(t, firstCompleted.Unix(), second.CompletedAt.Unix())
}

func TestStartAndCancelExecution(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	execution := models.NewExecution("slow", "sleep 60", "")
	require.NoError(t, o.StartExecution(ctx, execution, 0))

	require.NoError(t, o.CancelExecution(ctx, execution.ID, "operator request"))
	o.Engine().Wait(execution.ID)

	got, err := o.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)

	// Cancelling a terminal execution is a conflict.
	err = o.CancelExecution(ctx, execution.ID, "again")
	require.Error(t, err)
	assert.True(t, storage.IsConflict(err))
}

func TestCancelUnknownExecutionIsNotFound(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	err = o.CancelExecution(context.Background(), "no-such", "x")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestDeleteRunningExecutionIsConflict(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	execution := models.NewExecution("slow", "sleep 60", "")
	require.NoError(t, o.StartExecution(ctx, execution, 0))

	err = o.DeleteExecution(ctx, execution.ID)
	require.Error(t, err)
	assert.True(t, storage.IsConflict(err))

	require.NoError(t, o.CancelExecution(ctx, execution.ID, "cleanup"))
	o.Engine().Wait(execution.ID)
	require.NoError(t, o.DeleteExecution(ctx, execution.ID))
}

func TestExecutionSnapshotForFinishedRun(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	ctx := context.Background()
	execution := models.NewExecution("quick", "echo STEP_START:s; echo out; echo STEP_COMPLETE:s", "")
	require.NoError(t, o.StartExecution(ctx, execution, 0))
	o.Engine().Wait(execution.ID)

	snap, err := o.ExecutionSnapshot(ctx, execution.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Execution)
	require.Len(t, snap.Execution.Steps, 1)

	stepID := snap.Execution.Steps[0].ID
	assert.NotEmpty(t, snap.RecentLogs[stepID], "snapshot reads the on-disk log tail")
}

func TestHealthReport(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Close()

	health := o.Health(context.Background())
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.DatabaseOK)
	assert.Equal(t, Version, health.Version)
}
