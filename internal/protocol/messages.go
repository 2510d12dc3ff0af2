// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the wire contracts between the server and its
// clients: the REST response envelope, the WebSocket message envelopes, and
// the event payloads fanned out by the hub.
package protocol

import (
	"time"

	"github.com/johnnynv/stepflow-monitor/internal/models"
)

// MessageType identifies a WebSocket message in either direction.
type MessageType string

// Server → client message types.
const (
	MsgConnectionEstablished MessageType = "connection_established"
	MsgInitialState          MessageType = "initial_state"
	MsgExecutionStarted      MessageType = "execution_started"
	MsgStepUpdate            MessageType = "step_update"
	MsgLogEntry              MessageType = "log_entry"
	MsgArtifactCreated       MessageType = "artifact_created"
	MsgExecutionCompleted    MessageType = "execution_completed"
	MsgError                 MessageType = "error"
	MsgPong                  MessageType = "pong"
)

// Client → server message types.
const (
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
	MsgGetStatus   MessageType = "get_status"
	MsgPing        MessageType = "ping"
)

// ServerMessage is the envelope of every server → client WebSocket message.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewServerMessage stamps a message with the current time.
func NewServerMessage(t MessageType, data any) ServerMessage {
	return ServerMessage{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// ClientMessage is the envelope of every client → server WebSocket message.
type ClientMessage struct {
	Type MessageType       `json:"type"`
	Data ClientMessageData `json:"data"`
}

// ClientMessageData carries the subscription target.
type ClientMessageData struct {
	ExecutionID string `json:"execution_id"`
}

// EventKind identifies a per-execution delta inside step_update payloads and
// hub bookkeeping.
type EventKind string

const (
	EventStepStarted        EventKind = "step_started"
	EventStepUpdated        EventKind = "step_updated"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventExecutionUpdate    EventKind = "execution_update"
	EventExecutionCompleted EventKind = "execution_completed"
)

// ExecutionSummary is the lightweight execution view embedded in deltas.
type ExecutionSummary struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Status           models.ExecutionStatus `json:"status"`
	ExitCode         *int                   `json:"exit_code,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	TotalSteps       int                    `json:"total_steps"`
	CompletedSteps   int                    `json:"completed_steps"`
	CurrentStepIndex int                    `json:"current_step_index"`
	LogsDropped      int64                  `json:"logs_dropped"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// Summarize builds an ExecutionSummary from the full record.
func Summarize(e *models.Execution) ExecutionSummary {
	return ExecutionSummary{
		ID:               e.ID,
		Name:             e.Name,
		Status:           e.Status,
		ExitCode:         e.ExitCode,
		ErrorMessage:     e.ErrorMessage,
		TotalSteps:       e.TotalSteps,
		CompletedSteps:   e.CompletedSteps,
		CurrentStepIndex: e.CurrentStepIndex,
		LogsDropped:      e.LogsDropped,
		CreatedAt:        e.CreatedAt,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
	}
}

// StepUpdatePayload is the data of a step_update message.
type StepUpdatePayload struct {
	ExecutionID string           `json:"execution_id"`
	Event       EventKind        `json:"event"`
	Step        *models.Step     `json:"step"`
	Execution   ExecutionSummary `json:"execution"`
}

// LogEntryPayload is the data of a log_entry message.
type LogEntryPayload struct {
	models.LogEntry
}

// ArtifactCreatedPayload is the data of an artifact_created message.
type ArtifactCreatedPayload struct {
	ExecutionID string           `json:"execution_id"`
	Artifact    *models.Artifact `json:"artifact"`
}

// ExecutionStartedPayload is the data of an execution_started message.
type ExecutionStartedPayload struct {
	Execution ExecutionSummary `json:"execution"`
}

// ExecutionCompletedPayload is the data of an execution_completed message.
type ExecutionCompletedPayload struct {
	Execution ExecutionSummary `json:"execution"`
}

// InitialStatePayload is the snapshot sent on subscribe, before any delta.
type InitialStatePayload struct {
	Execution *models.Execution   `json:"execution,omitempty"`
	// RecentLogs maps step id to the most recent log lines of that step.
	RecentLogs map[string][]string `json:"recent_logs,omitempty"`
	// Global snapshot fields (topic "global").
	ActiveExecutions []ExecutionSummary `json:"active_executions,omitempty"`
}

// ErrorPayload is the data of an error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Well-known error codes on the WebSocket surface.
const (
	ErrCodeOverloaded     = "overloaded"
	ErrCodeUnknownMessage = "unknown_message_type"
	ErrCodeNotFound       = "not_found"
)
