package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
)

// HTTPClientConfig configures the HTTP policy client.
type HTTPClientConfig struct {
	Endpoint         string        // POST target for compliance checks
	Timeout          time.Duration // hard per-call timeout
	BreakerThreshold int           // consecutive failures before tripping open
	BreakerCooldown  time.Duration // open duration before a recovery probe
}

// HTTPClient calls a remote policy engine over HTTP with a hard timeout and
// a fail-closed circuit breaker.
type HTTPClient struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *observability.Logger
}

// NewHTTPClient creates a policy client. Timeout defaults to 5s.
func NewHTTPClient(cfg HTTPClientConfig, logger *observability.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:   logger,
	}
}

type checkRequest struct {
	Candidate evolution.CandidateVersion `json:"candidate"`
	Context   CheckContext               `json:"context"`
}

// Check posts the candidate to the policy engine. Any failure mode — open
// breaker, transport error, timeout, non-200, malformed body, out-of-range
// score — is reported as unavailable so the caller fails closed.
func (c *HTTPClient) Check(ctx context.Context, candidate evolution.CandidateVersion, cc CheckContext) (*CheckResult, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open: %w", ErrUnavailable)
	}

	body, err := json.Marshal(checkRequest{Candidate: candidate, Context: cc})
	if err != nil {
		return nil, fmt.Errorf("encode check request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.fail(cc, err)
		return nil, fmt.Errorf("policy check %q: %v: %w", cc.EvolutionID, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d", resp.StatusCode)
		c.fail(cc, err)
		return nil, fmt.Errorf("policy check %q: %v: %w", cc.EvolutionID, err, ErrUnavailable)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.fail(cc, err)
		return nil, fmt.Errorf("policy check %q: read body: %v: %w", cc.EvolutionID, err, ErrUnavailable)
	}

	var result CheckResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.fail(cc, err)
		return nil, fmt.Errorf("policy check %q: decode body: %v: %w", cc.EvolutionID, err, ErrUnavailable)
	}
	if result.Score < 0 || result.Score > 1 {
		err := fmt.Errorf("score %f out of range", result.Score)
		c.fail(cc, err)
		return nil, fmt.Errorf("policy check %q: %v: %w", cc.EvolutionID, err, ErrUnavailable)
	}

	c.breaker.Success()
	return &result, nil
}

// BreakerState exposes the breaker position for metrics.
func (c *HTTPClient) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *HTTPClient) fail(cc CheckContext, err error) {
	c.breaker.Failure()
	if c.logger != nil {
		c.logger.Warn("policy check failed",
			"evolution_id", cc.EvolutionID,
			"agent_id", cc.AgentID,
			"breaker", string(c.breaker.State()),
			"error", err.Error(),
		)
	}
}
