// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the persistent entities: Execution, Step and
// Artifact are GORM models backed by the embedded SQLite store; LogEntry
// is a value type that lives on disk, never in the database.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further mutation of the execution is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Valid reports whether s is one of the known execution statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ArtifactType classifies a registered artifact by its file extension.
type ArtifactType string

const (
	ArtifactTypeDocument ArtifactType = "document"
	ArtifactTypeImage    ArtifactType = "image"
	ArtifactTypeData     ArtifactType = "data"
	ArtifactTypeLog      ArtifactType = "log"
	ArtifactTypeArchive  ArtifactType = "archive"
	ArtifactTypeOther    ArtifactType = "other"
)

// LogStream identifies which child pipe a log line was read from.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// EnvMap is a JSON-serialized map of environment variables.
type EnvMap map[string]string

// Scan implements the sql.Scanner interface
func (m *EnvMap) Scan(value any) error {
	if value == nil {
		*m = map[string]string{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan EnvMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m EnvMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// MetaMap is a JSON-serialized map of arbitrary metadata.
type MetaMap map[string]any

// Scan implements the sql.Scanner interface
func (m *MetaMap) Scan(value any) error {
	if value == nil {
		*m = map[string]any{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan MetaMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m MetaMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Clone returns an independent copy. Used when a snapshot crosses a
// goroutine boundary while the owner keeps mutating the original.
func (m EnvMap) Clone() EnvMap {
	out := make(EnvMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy.
func (m MetaMap) Clone() MetaMap {
	out := make(MetaMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StringList is a JSON-serialized list of strings (tags).
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = []string{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan StringList from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Execution represents a single run of one user command.
type Execution struct {
	ID               string          `gorm:"primaryKey;type:text" json:"id"`
	Name             string          `gorm:"type:text" json:"name"`
	Command          string          `gorm:"not null;type:text" json:"command"`
	WorkingDirectory string          `gorm:"type:text" json:"working_directory"`
	Environment      EnvMap          `gorm:"type:text" json:"environment"`
	User             string          `gorm:"type:text;index" json:"user,omitempty"`
	Tags             StringList      `gorm:"type:text" json:"tags"`
	Metadata         MetaMap         `gorm:"type:text" json:"metadata"`
	Status           ExecutionStatus `gorm:"not null;type:text;index" json:"status"`
	ExitCode         *int            `gorm:"type:integer" json:"exit_code"`
	ErrorMessage     string          `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"index:idx_executions_created_at,sort:desc" json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	TotalSteps       int `gorm:"type:integer" json:"total_steps"`
	CompletedSteps   int `gorm:"type:integer" json:"completed_steps"`
	CurrentStepIndex int `gorm:"type:integer" json:"current_step_index"`

	// LogsDropped counts fan-out deliveries sacrificed under load. Persistence
	// never drops, so this is a live-view metric, not a history gap.
	LogsDropped int64 `gorm:"type:integer" json:"logs_dropped"`

	// Relations
	Steps     []Step     `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Artifacts []Artifact `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"artifacts,omitempty"`
}

// TableName returns the table name for Execution
func (Execution) TableName() string {
	return "executions"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (e *Execution) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

// NewExecution builds a pending execution with a fresh identifier.
func NewExecution(name, command, workingDirectory string) *Execution {
	return &Execution{
		ID:               uuid.New().String(),
		Name:             name,
		Command:          command,
		WorkingDirectory: workingDirectory,
		Environment:      EnvMap{},
		Tags:             StringList{},
		Metadata:         MetaMap{},
		Status:           ExecutionStatusPending,
		CreatedAt:        time.Now().UTC(),
		CurrentStepIndex: -1,
	}
}

// Step represents one logical phase within an execution, bounded by
// STEP_START / STEP_COMPLETE / STEP_ERROR markers in the child's output.
type Step struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	ExecutionID string     `gorm:"not null;type:text;uniqueIndex:idx_steps_execution_index" json:"execution_id"`
	Index       int        `gorm:"column:step_index;type:integer;uniqueIndex:idx_steps_execution_index" json:"index"`
	Name        string     `gorm:"type:text" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Status      StepStatus `gorm:"not null;type:text" json:"status"`
	ExitCode    *int       `gorm:"type:integer" json:"exit_code"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamp" json:"completed_at,omitempty"`

	StopOnError       bool    `json:"stop_on_error"`
	EstimatedDuration float64 `gorm:"type:real" json:"estimated_duration,omitempty"`
	Metadata          MetaMap `gorm:"type:text" json:"metadata"`
}

// TableName returns the table name for Step
func (Step) TableName() string {
	return "steps"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (s *Step) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return nil
}

// NewStep builds a running step at the given index.
func NewStep(executionID string, index int, name string) *Step {
	now := time.Now().UTC()
	return &Step{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Index:       index,
		Name:        name,
		Status:      StepStatusRunning,
		CreatedAt:   now,
		StartedAt:   &now,
		StopOnError: true,
		Metadata:    MetaMap{},
	}
}

// Artifact represents a file declared by the running script via an
// ARTIFACT marker and registered by reference.
type Artifact struct {
	ID           string       `gorm:"primaryKey;type:text" json:"id"`
	ExecutionID  string       `gorm:"not null;type:text;index" json:"execution_id"`
	StepID       string       `gorm:"type:text;index" json:"step_id,omitempty"`
	Path         string       `gorm:"type:text" json:"path"`
	ResolvedPath string       `gorm:"type:text" json:"resolved_path"`
	FileName     string       `gorm:"type:text" json:"file_name"`
	SizeBytes    int64        `gorm:"type:integer" json:"size_bytes"`
	MimeType     string       `gorm:"type:text" json:"mime_type"`
	Type         ArtifactType `gorm:"not null;type:text" json:"artifact_type"`
	Description  string       `gorm:"type:text" json:"description"`
	Tags         StringList   `gorm:"type:text" json:"tags"`
	Missing      bool         `json:"missing"`

	CreatedAt     time.Time `json:"created_at"`
	RetentionDays int       `gorm:"type:integer" json:"retention_days"`
}

// TableName returns the table name for Artifact
func (Artifact) TableName() string {
	return "artifacts"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (a *Artifact) BeforeCreate(tx *gorm.DB) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

// LogEntry is one line of child output. Entries are appended to per-step
// log files on disk; they are never stored in the database.
type LogEntry struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Stream      LogStream `json:"stream"`
	Content     string    `json:"content"`
	Level       string    `json:"level,omitempty"`
	// Marker records the parsed marker role when the line was a protocol
	// marker ("step_start", "artifact", ...); empty for ordinary output.
	Marker    string `json:"marker,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}
