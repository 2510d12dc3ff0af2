// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "time"

// Envelope wraps every REST response.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError carries a machine-readable code and a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK builds a success envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

// Err builds an error envelope.
func Err(code, message string) Envelope {
	return Envelope{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}
