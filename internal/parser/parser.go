// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package parser recognizes the inline marker protocol embedded in child
// output. It is stateless and total: any line yields either exactly one
// marker event or none.
package parser

import (
	"strings"
)

// EventType identifies a marker event.
type EventType string

const (
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepError    EventType = "step_error"
	EventArtifact     EventType = "artifact"
	EventMeta         EventType = "meta"
)

// StepOptions carries the bracketed options of a STEP_START marker.
type StepOptions struct {
	// StopOnError defaults to true; a failing step aborts the execution.
	StopOnError bool
	// Extra retains unrecognized options for the step's metadata.
	Extra map[string]string
}

// Event is one parsed marker.
type Event struct {
	Type        EventType
	Name        string      // step name (step_start, step_complete)
	Description string      // step_error description / artifact description
	Path        string      // artifact path
	Key         string      // meta key
	Value       string      // meta value
	Options     StepOptions // step_start only
}

const (
	prefixStepStart    = "STEP_START:"
	prefixStepComplete = "STEP_COMPLETE:"
	prefixStepError    = "STEP_ERROR:"
	prefixArtifact     = "ARTIFACT:"
	prefixMeta         = "META:"
)

// Parse inspects one line (newline already stripped) and returns the marker
// event it encodes, if any. A bare prefix with an empty remainder is ordinary
// output, not a marker.
func Parse(line string) (Event, bool) {
	trimmed := strings.TrimLeft(line, " \t")

	switch {
	case strings.HasPrefix(trimmed, prefixStepStart):
		rest := trimmed[len(prefixStepStart):]
		if rest == "" {
			return Event{}, false
		}
		name, opts := parseStepStart(rest)
		if name == "" {
			return Event{}, false
		}
		return Event{Type: EventStepStart, Name: name, Options: opts}, true

	case strings.HasPrefix(trimmed, prefixStepComplete):
		rest := strings.TrimSpace(trimmed[len(prefixStepComplete):])
		if rest == "" {
			return Event{}, false
		}
		return Event{Type: EventStepComplete, Name: rest}, true

	case strings.HasPrefix(trimmed, prefixStepError):
		rest := strings.TrimSpace(trimmed[len(prefixStepError):])
		if rest == "" {
			return Event{}, false
		}
		return Event{Type: EventStepError, Description: rest}, true

	case strings.HasPrefix(trimmed, prefixArtifact):
		rest := trimmed[len(prefixArtifact):]
		if rest == "" {
			return Event{}, false
		}
		// The first colon after the path separates it from the description;
		// later colons belong to the description.
		path, description := rest, ""
		if i := strings.Index(rest, ":"); i >= 0 {
			path, description = rest[:i], rest[i+1:]
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return Event{}, false
		}
		return Event{Type: EventArtifact, Path: path, Description: strings.TrimSpace(description)}, true

	case strings.HasPrefix(trimmed, prefixMeta):
		rest := trimmed[len(prefixMeta):]
		if rest == "" {
			return Event{}, false
		}
		key, value := rest, ""
		if i := strings.Index(rest, ":"); i >= 0 {
			key, value = rest[:i], rest[i+1:]
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return Event{}, false
		}
		return Event{Type: EventMeta, Key: key, Value: strings.TrimSpace(value)}, true
	}

	return Event{}, false
}

// parseStepStart splits "name[k=v,k=v]" into the step name and its options.
// A malformed options block is kept as part of the name rather than rejected.
func parseStepStart(rest string) (string, StepOptions) {
	opts := StepOptions{StopOnError: true, Extra: map[string]string{}}

	name := strings.TrimSpace(rest)
	open := strings.Index(rest, "[")
	if open < 0 || !strings.HasSuffix(strings.TrimSpace(rest), "]") {
		return name, opts
	}

	name = strings.TrimSpace(rest[:open])
	block := strings.TrimSpace(rest[open:])
	block = strings.TrimSuffix(strings.TrimPrefix(block, "["), "]")

	for _, pair := range strings.Split(block, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if i := strings.Index(pair, "="); i >= 0 {
			key, value = strings.TrimSpace(pair[:i]), strings.TrimSpace(pair[i+1:])
		}
		switch key {
		case "stop_on_error":
			opts.StopOnError = !strings.EqualFold(value, "false")
		default:
			opts.Extra[key] = value
		}
	}

	return name, opts
}
