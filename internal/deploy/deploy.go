// Package deploy pushes approved candidate versions to the agent runtime.
//
// The deployment mechanism itself is an external collaborator; this package
// only defines the Deployer contract and an HTTP adapter with a bounded
// timeout. Deployment failure is reported to the workflow, which marks the
// evolution with a terminal failure state and audits it.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
)

// Deployer pushes a candidate version live for an agent.
type Deployer interface {
	Deploy(ctx context.Context, agentID string, candidate evolution.CandidateVersion) error
}

// Func adapts a function to the Deployer interface. Used by tests.
type Func func(ctx context.Context, agentID string, candidate evolution.CandidateVersion) error

// Deploy implements Deployer.
func (f Func) Deploy(ctx context.Context, agentID string, candidate evolution.CandidateVersion) error {
	return f(ctx, agentID, candidate)
}

// HTTPDeployer posts deployments to the agent runtime's control endpoint.
type HTTPDeployer struct {
	endpoint string
	client   *http.Client
	logger   *observability.Logger
}

// NewHTTPDeployer creates an HTTP deployer. Timeout defaults to 10s.
func NewHTTPDeployer(endpoint string, timeout time.Duration, logger *observability.Logger) *HTTPDeployer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDeployer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type deployRequest struct {
	AgentID   string                     `json:"agent_id"`
	Candidate evolution.CandidateVersion `json:"candidate"`
}

// Deploy posts the candidate. Non-2xx responses are deployment failures.
func (d *HTTPDeployer) Deploy(ctx context.Context, agentID string, candidate evolution.CandidateVersion) error {
	body, err := json.Marshal(deployRequest{AgentID: agentID, Candidate: candidate})
	if err != nil {
		return fmt.Errorf("encode deploy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build deploy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deploy %q to agent %q: %w", candidate.VersionID, agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deploy %q to agent %q: status %d", candidate.VersionID, agentID, resp.StatusCode)
	}

	if d.logger != nil {
		d.logger.Info("deployed version",
			"agent_id", agentID,
			"version_id", candidate.VersionID,
		)
	}
	return nil
}
