// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator wires the persistence layer, the event hub and the
// execution engine together and owns their lifecycle: startup recovery,
// background maintenance, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/engine"
	"github.com/johnnynv/stepflow-monitor/internal/hub"
	"github.com/johnnynv/stepflow-monitor/internal/logger"
	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

// Version is reported by /api/health.
const Version = "1.0.0"

// restartErrorMessage marks executions orphaned by a crash.
const restartErrorMessage = "server restarted during execution"

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

// Orchestrator owns the process-global subsystems.
type Orchestrator struct {
	cfg    *config.AppConfig
	store  *storage.Store
	events *hub.Hub
	engine *engine.Engine

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu        sync.Mutex
	accepting bool
}

// New initializes storage, recovers crash remnants and starts the background
// maintenance worker. The listeners are started by the caller.
func New(cfg *config.AppConfig) (*Orchestrator, error) {
	store := storage.NewStore(&cfg.Storage)
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		events:    hub.New(cfg.Hub.SubscriberQueueSize),
		startedAt: time.Now().UTC(),
		stopCh:    make(chan struct{}),
		accepting: true,
	}
	o.engine = engine.New(&cfg.Engine, &cfg.Storage, store, o.events)

	if err := o.recoverOrphans(); err != nil {
		store.Close()
		return nil, err
	}

	o.wg.Add(1)
	go o.maintenanceLoop()

	return o, nil
}

// recoverOrphans fails every execution left non-terminal by a previous
// process: those children are gone and will not be respawned.
func (o *Orchestrator) recoverOrphans() error {
	ctx := context.Background()
	orphans, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for orphaned executions: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, e := range orphans {
		e.Status = models.ExecutionStatusFailed
		e.ErrorMessage = restartErrorMessage
		e.CompletedAt = &now
		e.CurrentStepIndex = -1
	}
	if err := o.store.SaveExecutionBatch(ctx, orphans); err != nil {
		return fmt.Errorf("failed to fail orphaned executions: %w", err)
	}

	// Steps left running by the crash are failed the same way.
	for _, e := range orphans {
		steps, err := o.store.GetSteps(ctx, e.ID)
		if err != nil {
			getLog().Warn().Err(err).Str("execution_id", e.ID).Msg("Failed to load steps during recovery")
			continue
		}
		for _, s := range steps {
			if s.Status == models.StepStatusRunning || s.Status == models.StepStatusPending {
				s.Status = models.StepStatusFailed
				s.ErrorMessage = restartErrorMessage
				s.CompletedAt = &now
				if err := o.store.SaveStep(ctx, s); err != nil {
					getLog().Warn().Err(err).Str("step_id", s.ID).Msg("Failed to fail step during recovery")
				}
			}
		}
	}

	getLog().Info().Int("count", len(orphans)).Msg("Failed executions orphaned by restart")
	return nil
}

// maintenanceLoop runs the periodic database optimization.
func (o *Orchestrator) maintenanceLoop() {
	defer o.wg.Done()

	interval := o.cfg.Storage.OptimizeInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := o.store.Optimize(context.Background()); err != nil {
				getLog().Warn().Err(err).Msg("Periodic optimize failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

// Store exposes the persistence layer to the API handlers.
func (o *Orchestrator) Store() *storage.Store {
	return o.store
}

// Hub exposes the event hub.
func (o *Orchestrator) Hub() *hub.Hub {
	return o.events
}

// Engine exposes the execution engine.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// Uptime reports seconds since startup.
func (o *Orchestrator) Uptime() float64 {
	return time.Since(o.startedAt).Seconds()
}

// StartExecution persists a pending execution and hands it to the engine.
func (o *Orchestrator) StartExecution(ctx context.Context, execution *models.Execution, timeout time.Duration) error {
	o.mu.Lock()
	accepting := o.accepting
	o.mu.Unlock()
	if !accepting {
		return engine.ErrShuttingDown
	}

	if err := o.store.SaveExecution(ctx, execution); err != nil {
		return err
	}
	if err := o.engine.Start(execution, timeout); err != nil {
		// The pending record must not linger as an orphan.
		if delErr := o.store.DeleteExecution(ctx, execution.ID); delErr != nil {
			getLog().Warn().Err(delErr).Str("execution_id", execution.ID).
				Msg("Failed to remove execution after start failure")
		}
		return err
	}
	return nil
}

// CancelExecution cancels an active execution. Unknown ids report NotFound;
// terminal executions report Conflict.
func (o *Orchestrator) CancelExecution(ctx context.Context, id, reason string) error {
	err := o.engine.Cancel(id, reason)
	if err == nil {
		return nil
	}
	if err != engine.ErrUnknown {
		return err
	}

	e, getErr := o.store.GetExecution(ctx, id)
	if getErr != nil {
		return getErr
	}
	if e.Status.IsTerminal() {
		return &storage.Error{
			Kind:      storage.KindConflict,
			Operation: "cancel_execution",
			Message:   fmt.Sprintf("execution is already %s", e.Status),
		}
	}
	// Pending-but-not-active: recovery race; try once more.
	return o.engine.Cancel(id, reason)
}

// DeleteExecution removes an execution. Active executions must be cancelled
// first.
func (o *Orchestrator) DeleteExecution(ctx context.Context, id string) error {
	if o.engine.Get(id) != nil {
		return &storage.Error{
			Kind:      storage.KindConflict,
			Operation: "delete_execution",
			Message:   "execution is still running; cancel it first",
		}
	}
	if err := o.store.DeleteExecution(ctx, id); err != nil {
		return err
	}
	o.events.DropTopic(hub.ExecutionTopic(id))
	return nil
}

// SubscribeExecution attaches a hub subscriber to one execution's topic,
// snapshot first. Active executions snapshot from engine memory; finished
// ones from the store and the on-disk logs.
func (o *Orchestrator) SubscribeExecution(ctx context.Context, id string) (*hub.Subscriber, error) {
	if st := o.engine.Get(id); st != nil {
		return st.SubscribeSnapshot(), nil
	}

	payload, err := o.storedSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.events.Subscribe(hub.ExecutionTopic(id), func() protocol.ServerMessage {
		return protocol.NewServerMessage(protocol.MsgInitialState, payload)
	}), nil
}

// SubscribeGlobal attaches a subscriber to the global topic with a snapshot
// of the currently active executions.
func (o *Orchestrator) SubscribeGlobal() *hub.Subscriber {
	return o.events.Subscribe(hub.TopicGlobal, func() protocol.ServerMessage {
		summaries := []protocol.ExecutionSummary{}
		if active, err := o.store.ListNonTerminal(context.Background()); err == nil {
			for _, e := range active {
				summaries = append(summaries, protocol.Summarize(e))
			}
		}
		return protocol.NewServerMessage(protocol.MsgInitialState,
			protocol.InitialStatePayload{ActiveExecutions: summaries})
	})
}

// ExecutionSnapshot builds the current initial_state payload without
// subscribing (the WS get_status request).
func (o *Orchestrator) ExecutionSnapshot(ctx context.Context, id string) (protocol.InitialStatePayload, error) {
	if st := o.engine.Get(id); st != nil {
		return st.Snapshot(), nil
	}
	return o.storedSnapshot(ctx, id)
}

func (o *Orchestrator) storedSnapshot(ctx context.Context, id string) (protocol.InitialStatePayload, error) {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return protocol.InitialStatePayload{}, err
	}

	recent := make(map[string][]string, len(e.Steps))
	for _, s := range e.Steps {
		lines, err := o.store.Logs().ReadStepTail(e.ID, s.Index, s.ID, o.cfg.Hub.SnapshotLogLines)
		if err != nil {
			getLog().Warn().Err(err).Str("step_id", s.ID).Msg("Failed to read log tail for snapshot")
			continue
		}
		if len(lines) > 0 {
			recent[s.ID] = lines
		}
	}
	return protocol.InitialStatePayload{Execution: e, RecentLogs: recent}, nil
}

// HealthStatus is the fuller report behind /api/health/status.
type HealthStatus struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	StartedAt        time.Time `json:"started_at"`
	DatabaseOK       bool      `json:"database_ok"`
	ActiveExecutions int       `json:"active_executions"`
	Hub              hub.Stats `json:"hub"`
	LinesProcessed   int64     `json:"lines_processed"`
	LogLinesLost     int64     `json:"log_lines_lost"`
}

// Health assembles the status report.
func (o *Orchestrator) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:           "healthy",
		Version:          Version,
		UptimeSeconds:    o.Uptime(),
		StartedAt:        o.startedAt,
		DatabaseOK:       true,
		ActiveExecutions: o.engine.ActiveCount(),
		Hub:              o.events.Stats(),
		LinesProcessed:   o.engine.LinesProcessed(),
		LogLinesLost:     o.store.Logs().LinesLost(),
	}
	if err := o.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.DatabaseOK = false
	}
	return status
}

// Close shuts everything down: refuse new executions, cancel active ones,
// wait for flushes, then close the hub and the store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if !o.accepting {
		o.mu.Unlock()
		return nil
	}
	o.accepting = false
	o.mu.Unlock()

	o.engine.Shutdown(15 * time.Second)

	close(o.stopCh)
	o.wg.Wait()

	o.events.Close()
	return o.store.Close()
}
