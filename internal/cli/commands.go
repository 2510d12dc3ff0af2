// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

// executionRequest is the YAML shape accepted by submit. It mirrors the
// POST /api/executions body.
type executionRequest struct {
	Name             string            `yaml:"name" json:"name,omitempty"`
	Command          string            `yaml:"command" json:"command"`
	WorkingDirectory string            `yaml:"working_directory" json:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment" json:"environment,omitempty"`
	Tags             []string          `yaml:"tags" json:"tags,omitempty"`
	Metadata         map[string]any    `yaml:"metadata" json:"metadata,omitempty"`
	Timeout          float64           `yaml:"timeout" json:"timeout,omitempty"`
}

func submitCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s submit <request.yaml>", appName)
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}

	var req executionRequest
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("invalid request file: %w", err)
	}
	if req.Command == "" {
		return fmt.Errorf("request file must set command")
	}

	var created models.Execution
	if err := newClient().call("POST", "/api/executions", req, &created); err != nil {
		return err
	}

	fmt.Printf("Execution %s created (%s)\n", created.ID, created.Status)
	return nil
}

func listCommand(args []string) error {
	path := "/api/executions?limit=50"
	if len(args) == 1 {
		path += "&status=" + args[0]
	}

	var result struct {
		Executions []models.Execution `json:"executions"`
	}
	if err := newClient().call("GET", path, nil, &result); err != nil {
		return err
	}

	if len(result.Executions) == 0 {
		fmt.Println("No executions found")
		return nil
	}
	for _, e := range result.Executions {
		fmt.Printf("%s  %-10s  %-30s  %s\n",
			e.ID, e.Status, truncate(e.Name, 30), e.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func showCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s show <execution_id>", appName)
	}

	var e models.Execution
	if err := newClient().call("GET", "/api/executions/"+args[0], nil, &e); err != nil {
		return err
	}

	fmt.Printf("Execution:  %s\n", e.ID)
	fmt.Printf("Name:       %s\n", e.Name)
	fmt.Printf("Command:    %s\n", e.Command)
	fmt.Printf("Status:     %s\n", e.Status)
	if e.ExitCode != nil {
		fmt.Printf("Exit code:  %d\n", *e.ExitCode)
	}
	if e.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", e.ErrorMessage)
	}
	fmt.Printf("Steps:      %d total, %d completed\n", e.TotalSteps, e.CompletedSteps)
	for _, s := range e.Steps {
		marker := " "
		if s.Status == models.StepStatusFailed {
			marker = "✗"
		} else if s.Status == models.StepStatusCompleted {
			marker = "✓"
		}
		fmt.Printf("  %s [%d] %-30s %s\n", marker, s.Index, truncate(s.Name, 30), s.Status)
	}
	if len(e.Artifacts) > 0 {
		fmt.Println("Artifacts:")
		for _, a := range e.Artifacts {
			fmt.Printf("  %s  %-20s  %8d bytes  %s\n", a.ID, truncate(a.FileName, 20), a.SizeBytes, a.Type)
		}
	}
	return nil
}

func cancelCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s cancel <execution_id>", appName)
	}
	var result map[string]string
	if err := newClient().call("POST", "/api/executions/"+args[0]+"/cancel", nil, &result); err != nil {
		return err
	}
	fmt.Printf("Execution %s: %s\n", args[0], result["status"])
	return nil
}

func deleteCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s delete <execution_id>", appName)
	}
	if err := newClient().call("DELETE", "/api/executions/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Execution %s deleted\n", args[0])
	return nil
}

func statsCommand(_ []string) error {
	var stats storage.Statistics
	if err := newClient().call("GET", "/api/executions/statistics", nil, &stats); err != nil {
		return err
	}

	fmt.Printf("Total executions: %d\n", stats.TotalExecutions)
	for status, count := range stats.ByStatus {
		fmt.Printf("  %-10s %d\n", status, count)
	}
	fmt.Printf("Total steps:      %d\n", stats.TotalSteps)
	fmt.Printf("Total artifacts:  %d\n", stats.TotalArtifacts)
	fmt.Printf("Avg duration:     %.1fs\n", stats.AverageDuration)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
