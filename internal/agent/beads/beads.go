// Package beads shells out to the beads issue-tracker CLI (bd) on behalf
// of issue panes. Every id that reaches a command line is validated
// first, and every invocation carries a timeout.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/49agents/tc2/internal/validate"
)

const (
	listTimeout  = 10 * time.Second
	writeTimeout = 15 * time.Second
)

// issueTypes and the priority range accepted on creation.
var issueTypes = map[string]bool{"task": true, "bug": true, "feature": true}

const (
	minPriority = 0
	maxPriority = 4
)

// Issue is the CLI's JSON issue shape; unknown fields pass through.
type Issue struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Type     string `json:"issue_type"`
	Priority int    `json:"priority"`
	Assignee string `json:"assignee,omitempty"`
	Created  string `json:"created,omitempty"`
	Updated  string `json:"updated,omitempty"`
}

// CreateParams are the accepted creation fields.
type CreateParams struct {
	Title    string `json:"title"`
	Type     string `json:"type"`
	Priority *int   `json:"priority"`
}

// Validate checks the creation contract: title required, type one of
// task/bug/feature, priority 0..4. Type and priority are optional.
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if p.Type != "" && !issueTypes[p.Type] {
		return fmt.Errorf("invalid issue type: %q", p.Type)
	}
	if p.Priority != nil && (*p.Priority < minPriority || *p.Priority > maxPriority) {
		return fmt.Errorf("priority must be between %d and %d", minPriority, maxPriority)
	}
	return nil
}

// Service runs the CLI in a pane's working directory.
type Service struct {
	command string
}

func NewService() *Service {
	return &Service{command: "bd"}
}

func (s *Service) run(ctx context.Context, dir string, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("bd %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

// List returns the open issues for a working directory.
func (s *Service) List(ctx context.Context, dir string) ([]Issue, error) {
	out, err := s.run(ctx, dir, listTimeout, "list", "--json")
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parse bd list output: %w", err)
	}
	return issues, nil
}

// Create makes a new issue and returns it.
func (s *Service) Create(ctx context.Context, dir string, p CreateParams) (*Issue, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	args := []string{"create", p.Title, "--json"}
	if p.Type != "" {
		args = append(args, "-t", p.Type)
	}
	if p.Priority != nil {
		args = append(args, "-p", fmt.Sprintf("%d", *p.Priority))
	}
	out, err := s.run(ctx, dir, writeTimeout, args...)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parse bd create output: %w", err)
	}
	return &issue, nil
}

// Close closes an issue by id.
func (s *Service) Close(ctx context.Context, dir, issueID string) error {
	if !validate.IssueID(issueID) {
		return fmt.Errorf("invalid issue id: %q", issueID)
	}
	_, err := s.run(ctx, dir, writeTimeout, "close", issueID)
	return err
}
