// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/johnnynv/stepflow-monitor/internal/hub"
	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/parser"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

// execState owns the in-memory record of one execution and applies marker
// events to it. All mutation happens on the engine goroutine of that
// execution; the mutex exists for snapshot readers (WebSocket subscribes).
type execState struct {
	store  *storage.Store
	events *hub.Hub

	mu        sync.Mutex
	exec      *models.Execution
	steps     []*models.Step
	artifacts []*models.Artifact

	seq           uint64
	lastStepError string

	// recent keeps a bounded tail of log lines per step for snapshots.
	recent      map[string][]models.LogEntry
	recentLimit int

	// killRequested is set when a critical step failure must terminate the
	// child. The engine polls it after each line.
	killRequested bool
}

func newExecState(store *storage.Store, events *hub.Hub, exec *models.Execution, recentLimit int) *execState {
	if recentLimit <= 0 {
		recentLimit = 50
	}
	return &execState{
		store:       store,
		events:      events,
		exec:        exec,
		recent:      make(map[string][]models.LogEntry),
		recentLimit: recentLimit,
	}
}

func (st *execState) topic() string {
	return hub.ExecutionTopic(st.exec.ID)
}

// currentStep returns the running step, or nil.
func (st *execState) currentStep() *models.Step {
	if st.exec.CurrentStepIndex < 0 || st.exec.CurrentStepIndex >= len(st.steps) {
		return nil
	}
	s := st.steps[st.exec.CurrentStepIndex]
	if s.Status != models.StepStatusRunning {
		return nil
	}
	return s
}

// SetWorkingDirectory records the engine-assigned workspace directory before
// the child spawns.
func (st *execState) SetWorkingDirectory(dir string) {
	st.mu.Lock()
	st.exec.WorkingDirectory = dir
	st.mu.Unlock()
}

// MarkRunning transitions a pending execution to running at spawn time and
// announces it on the global topic.
func (st *execState) MarkRunning() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status != models.ExecutionStatusPending {
		return
	}
	now := time.Now().UTC()
	st.exec.Status = models.ExecutionStatusRunning
	st.exec.StartedAt = &now
	st.persistExecution()

	msg := protocol.NewServerMessage(protocol.MsgExecutionStarted,
		protocol.ExecutionStartedPayload{Execution: protocol.Summarize(st.exec)})
	st.events.Publish(st.topic(), msg)
	st.events.Publish(hub.TopicGlobal, msg)
}

// HandleLine routes one line of child output: parse, apply any marker event,
// record the transcript line, and fan it out. Returns true when the child
// must be terminated (critical step failure).
func (st *execState) HandleLine(stream models.LogStream, text string, truncated bool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status.IsTerminal() {
		// Terminal statuses are final: late output is not recorded.
		return false
	}

	ev, isMarker := parser.Parse(text)

	// A STEP_START line belongs to the step it opens; every other line binds
	// to whatever step is running when it is read.
	if isMarker && ev.Type == parser.EventStepStart {
		st.apply(ev)
		st.recordLine(stream, text, string(ev.Type), truncated)
	} else {
		marker := ""
		if isMarker {
			marker = string(ev.Type)
		}
		st.recordLine(stream, text, marker, truncated)
		if isMarker {
			st.apply(ev)
		}
	}

	return st.killRequested
}

// recordLine appends the raw line to the transcript: per-step log file,
// snapshot ring, and the log_entry fan-out. The level follows the stream:
// stdout lines are info, stderr lines are error.
func (st *execState) recordLine(stream models.LogStream, content, marker string, truncated bool) {
	level := "info"
	if stream == models.LogStreamStderr {
		level = "error"
	}
	st.recordEntry(stream, content, marker, level, truncated)
}

func (st *execState) recordEntry(stream models.LogStream, content, marker, level string, truncated bool) {
	st.seq++
	entry := models.LogEntry{
		ExecutionID: st.exec.ID,
		Sequence:    st.seq,
		Timestamp:   time.Now().UTC(),
		Stream:      stream,
		Content:     content,
		Level:       level,
		Marker:      marker,
		Truncated:   truncated,
	}
	stepIndex := -1
	if s := st.currentStep(); s != nil {
		entry.StepID = s.ID
		stepIndex = s.Index
	}

	// Persistence path: blocking, never drops.
	st.store.Logs().Append(entry, stepIndex)

	key := entry.StepID
	ring := append(st.recent[key], entry)
	if len(ring) > st.recentLimit {
		ring = ring[len(ring)-st.recentLimit:]
	}
	st.recent[key] = ring

	// Fan-out path: subscribers may be dropped under load.
	dropped := st.events.Publish(st.topic(), protocol.NewServerMessage(
		protocol.MsgLogEntry, protocol.LogEntryPayload{LogEntry: entry}))
	if dropped > 0 {
		st.exec.LogsDropped += int64(dropped)
	}
}

// warn injects a synthetic stderr line into the transcript.
func (st *execState) warn(format string, args ...any) {
	st.recordEntry(models.LogStreamStderr, "WARNING: "+fmt.Sprintf(format, args...), "", "warning", false)
}

// apply runs the step state machine for one marker event. Caller holds st.mu.
func (st *execState) apply(ev parser.Event) {
	switch ev.Type {
	case parser.EventStepStart:
		st.applyStepStart(ev)
	case parser.EventStepComplete:
		st.applyStepComplete(ev)
	case parser.EventStepError:
		st.applyStepError(ev)
	case parser.EventArtifact:
		st.applyArtifact(ev)
	case parser.EventMeta:
		st.applyMeta(ev)
	}
}

func (st *execState) applyStepStart(ev parser.Event) {
	if st.exec.Status.IsTerminal() {
		// A terminal execution accepts no further steps. HandleLine drops
		// every line after a terminal status, so the marker is not recorded
		// either.
		return
	}

	now := time.Now().UTC()
	if st.exec.Status == models.ExecutionStatusPending {
		st.exec.Status = models.ExecutionStatusRunning
		if st.exec.StartedAt == nil {
			st.exec.StartedAt = &now
		}
	}

	// Tolerate scripts that omit STEP_COMPLETE: a new start implicitly
	// completes the running step.
	if s := st.currentStep(); s != nil {
		st.closeStep(s, models.StepStatusCompleted, "", protocol.EventStepCompleted)
	}

	step := models.NewStep(st.exec.ID, len(st.steps), ev.Name)
	step.StopOnError = ev.Options.StopOnError
	// Unknown options are retained verbatim; estimated_duration is
	// additionally parsed into the typed field.
	for k, v := range ev.Options.Extra {
		if k == "estimated_duration" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				step.EstimatedDuration = secs
			}
		}
		step.Metadata[k] = v
	}

	st.steps = append(st.steps, step)
	st.exec.CurrentStepIndex = step.Index
	st.exec.TotalSteps = len(st.steps)

	st.persistStep(step)
	st.persistExecution()
	st.publishStep(protocol.EventStepStarted, step)
	st.publishExecutionUpdate()
}

func (st *execState) applyStepComplete(ev parser.Event) {
	s := st.currentStep()
	if s == nil {
		return
	}
	if ev.Name != "" && ev.Name != s.Name {
		// Unknown names still complete the running step; the mismatch is
		// recorded for later inspection.
		s.Metadata["completed_as"] = ev.Name
	}
	st.closeStep(s, models.StepStatusCompleted, "", protocol.EventStepCompleted)
	st.persistExecution()
	st.publishExecutionUpdate()
}

func (st *execState) applyStepError(ev parser.Event) {
	st.lastStepError = ev.Description

	s := st.currentStep()
	if s == nil {
		st.warn("STEP_ERROR with no running step: %s", ev.Description)
		return
	}

	s.ErrorMessage = ev.Description
	st.closeStep(s, models.StepStatusFailed, ev.Description, protocol.EventStepFailed)

	if s.StopOnError {
		now := time.Now().UTC()
		st.exec.Status = models.ExecutionStatusFailed
		st.exec.ErrorMessage = ev.Description
		st.exec.CompletedAt = &now
		st.killRequested = true
	}
	st.persistExecution()
	st.publishExecutionUpdate()
}

func (st *execState) applyArtifact(ev parser.Event) {
	if st.exec.Status.IsTerminal() {
		return
	}

	stepID := ""
	if s := st.currentStep(); s != nil {
		stepID = s.ID
	}

	artifact, err := st.store.Artifacts().Register(
		st.exec.ID, st.exec.WorkingDirectory, ev.Path, ev.Description, stepID)
	if err != nil {
		// Missing or invalid artifacts never fail the step.
		st.warn("%s: %s", storage.RegistrationWarning(err), ev.Path)
		return
	}

	st.artifacts = append(st.artifacts, artifact)
	st.persistArtifact(artifact)
	st.events.Publish(st.topic(), protocol.NewServerMessage(
		protocol.MsgArtifactCreated, protocol.ArtifactCreatedPayload{
			ExecutionID: st.exec.ID,
			Artifact:    artifact,
		}))
}

func (st *execState) applyMeta(ev parser.Event) {
	if s := st.currentStep(); s != nil {
		if ev.Key == "estimated_duration" {
			if secs, err := strconv.ParseFloat(ev.Value, 64); err == nil {
				s.EstimatedDuration = secs
			}
		}
		s.Metadata[ev.Key] = ev.Value
		st.persistStep(s)
		st.publishStep(protocol.EventStepUpdated, s)
		return
	}
	st.exec.Metadata[ev.Key] = ev.Value
	st.persistExecution()
	st.publishExecutionUpdate()
}

// closeStep transitions a running step to a terminal status and maintains the
// execution counters. Caller holds st.mu.
func (st *execState) closeStep(s *models.Step, status models.StepStatus, errMsg string, kind protocol.EventKind) {
	now := time.Now().UTC()
	s.Status = status
	s.CompletedAt = &now
	if errMsg != "" {
		s.ErrorMessage = errMsg
	}

	st.exec.CurrentStepIndex = -1
	st.exec.CompletedSteps = st.countCompleted()

	st.persistStep(s)
	st.store.Logs().FlushStep(st.exec.ID, s.Index, s.ID)
	st.publishStep(kind, s)
}

func (st *execState) countCompleted() int {
	n := 0
	for _, s := range st.steps {
		if s.Status == models.StepStatusCompleted {
			n++
		}
	}
	return n
}

// Finalize drives the execution to a terminal status once the child exited.
// cancelReason is non-empty when the run was cancelled or timed out.
func (st *execState) Finalize(exitCode int, spawnErr string, cancelReason string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()

	// Close any step still running.
	if s := st.currentStep(); s != nil {
		if cancelReason != "" {
			st.closeStep(s, models.StepStatusFailed, "cancelled", protocol.EventStepFailed)
		} else if exitCode != 0 {
			st.closeStep(s, models.StepStatusFailed,
				fmt.Sprintf("command exited with code %d", exitCode), protocol.EventStepFailed)
		} else {
			st.closeStep(s, models.StepStatusCompleted, "", protocol.EventStepCompleted)
		}
	}

	if !st.exec.Status.IsTerminal() {
		switch {
		case cancelReason != "":
			st.exec.Status = models.ExecutionStatusCancelled
			st.exec.ErrorMessage = cancelReason
		case spawnErr != "":
			st.exec.Status = models.ExecutionStatusFailed
			st.exec.ErrorMessage = spawnErr
		case exitCode == 0:
			st.exec.Status = models.ExecutionStatusCompleted
		default:
			st.exec.Status = models.ExecutionStatusFailed
			if st.lastStepError != "" {
				st.exec.ErrorMessage = st.lastStepError
			} else {
				st.exec.ErrorMessage = fmt.Sprintf("command exited with code %d", exitCode)
			}
		}
		st.exec.CompletedAt = &now
	}
	if st.exec.CompletedAt == nil {
		st.exec.CompletedAt = &now
	}
	if spawnErr == "" {
		st.exec.ExitCode = &exitCode
	}

	st.persistExecution()
	st.store.Logs().FlushExecution(st.exec.ID)

	summary := protocol.Summarize(st.exec)
	msg := protocol.NewServerMessage(protocol.MsgExecutionCompleted,
		protocol.ExecutionCompletedPayload{Execution: summary})
	st.events.Publish(st.topic(), msg)
	st.events.Publish(hub.TopicGlobal, msg)
}

// SubscribeSnapshot attaches a subscriber to this execution's topic with a
// consistent snapshot. Lock order matters: st.mu is taken before the topic
// lock here, matching the publish path (st.mu held, then topic lock inside
// Publish) so the two can never deadlock against each other.
func (st *execState) SubscribeSnapshot() *hub.Subscriber {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.events.Subscribe(st.topic(), func() protocol.ServerMessage {
		return protocol.NewServerMessage(protocol.MsgInitialState, st.snapshotLocked())
	})
}

// Snapshot builds the initial_state payload for a new subscriber.
func (st *execState) Snapshot() protocol.InitialStatePayload {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

func (st *execState) snapshotLocked() protocol.InitialStatePayload {
	e := *st.exec
	// Maps must not be shared with a payload that is serialized later, while
	// this goroutine keeps mutating them.
	e.Environment = st.exec.Environment.Clone()
	e.Metadata = st.exec.Metadata.Clone()
	e.Tags = append(models.StringList{}, st.exec.Tags...)
	e.Steps = make([]models.Step, len(st.steps))
	for i, s := range st.steps {
		e.Steps[i] = *s
		e.Steps[i].Metadata = s.Metadata.Clone()
	}
	e.Artifacts = make([]models.Artifact, len(st.artifacts))
	for i, a := range st.artifacts {
		e.Artifacts[i] = *a
	}

	recent := make(map[string][]string, len(st.recent))
	for stepID, entries := range st.recent {
		lines := make([]string, len(entries))
		for i, entry := range entries {
			lines[i] = entry.Content
		}
		recent[stepID] = lines
	}

	return protocol.InitialStatePayload{Execution: &e, RecentLogs: recent}
}

// Summary returns a consistent copy of the execution summary.
func (st *execState) Summary() protocol.ExecutionSummary {
	st.mu.Lock()
	defer st.mu.Unlock()
	return protocol.Summarize(st.exec)
}

// --- persistence & fan-out helpers (best-effort on the engine path) ---

func (st *execState) persistExecution() {
	if err := st.store.SaveExecution(context.Background(), st.exec); err != nil {
		getLog().Error().Err(err).Str("execution_id", st.exec.ID).Msg("Failed to persist execution")
	}
}

func (st *execState) persistStep(s *models.Step) {
	if err := st.store.SaveStep(context.Background(), s); err != nil {
		getLog().Error().Err(err).Str("execution_id", st.exec.ID).Str("step_id", s.ID).
			Msg("Failed to persist step")
	}
}

func (st *execState) persistArtifact(a *models.Artifact) {
	if err := st.store.SaveArtifact(context.Background(), a); err != nil {
		getLog().Error().Err(err).Str("execution_id", st.exec.ID).Str("artifact_id", a.ID).
			Msg("Failed to persist artifact")
	}
}

func (st *execState) publishStep(kind protocol.EventKind, s *models.Step) {
	step := *s
	step.Metadata = s.Metadata.Clone()
	st.events.Publish(st.topic(), protocol.NewServerMessage(protocol.MsgStepUpdate,
		protocol.StepUpdatePayload{
			ExecutionID: st.exec.ID,
			Event:       kind,
			Step:        &step,
			Execution:   protocol.Summarize(st.exec),
		}))
}

func (st *execState) publishExecutionUpdate() {
	st.events.Publish(st.topic(), protocol.NewServerMessage(protocol.MsgStepUpdate,
		protocol.StepUpdatePayload{
			ExecutionID: st.exec.ID,
			Event:       protocol.EventExecutionUpdate,
			Execution:   protocol.Summarize(st.exec),
		}))
}
