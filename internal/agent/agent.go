// Package agent defines the black-box collaborators the optimizer drives: a
// query endpoint that runs a configuration against one question, and a
// deployer that publishes configurations.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/querytune/internal/agentcfg"
)

// #region types
// Response is what the agent produced for one question.
type Response struct {
	Text     string
	Thoughts string
	// Artifact is the SQL statement extracted from Text or Thoughts.
	Artifact  string
	SessionID string
}

// QueryAgent runs one question under a configuration.
type QueryAgent interface {
	Query(ctx context.Context, cfg agentcfg.Configuration, question string) (Response, error)
}

// Deployer publishes configurations to the agent runtime.
type Deployer interface {
	Deploy(ctx context.Context, cfg agentcfg.Configuration) (string, error)
	Update(ctx context.Context, agentID string, cfg agentcfg.Configuration) error
}

// QueryFunc adapts a function to QueryAgent.
type QueryFunc func(ctx context.Context, cfg agentcfg.Configuration, question string) (Response, error)

// Query calls f.
func (f QueryFunc) Query(ctx context.Context, cfg agentcfg.Configuration, question string) (Response, error) {
	return f(ctx, cfg, question)
}

// #endregion types

// #region hard-case-error
// HardCaseError is a query failure for one case and repeat. It is recorded
// against the case and never aborts a run.
type HardCaseError struct {
	CaseID string
	Repeat int
	Err    error
}

func (e *HardCaseError) Error() string {
	return fmt.Sprintf("case %s repeat %d: %v", e.CaseID, e.Repeat, e.Err)
}

func (e *HardCaseError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *HardCaseError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// #endregion hard-case-error
