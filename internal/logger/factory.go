// Copyright (C) 2025-2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetOrchestratorLogger returns a logger for the orchestrator
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}

// GetEngineLogger returns a logger for the execution engine
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetStorageLogger returns a logger for persistence operations
func GetStorageLogger() zerolog.Logger {
	return GetLogger("storage")
}

// GetHubLogger returns a logger for the event hub
func GetHubLogger() zerolog.Logger {
	return GetLogger("hub")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
