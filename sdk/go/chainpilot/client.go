// Package chainpilot provides a thin Go client for the ChainPilot REST API.
package chainpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// StrategyConfig mirrors the execution parameters of a strategy.
type StrategyConfig struct {
	Chain          string `json:"chain"`
	TokenIn        string `json:"token_in"`
	TokenOut       string `json:"token_out"`
	Amount         string `json:"amount"`
	Schedule       string `json:"schedule"`
	MaxSlippageBps int64  `json:"max_slippage_bps"`
	GasCapWei      string `json:"gas_cap_wei,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// StrategySubmission represents the payload required to create a strategy.
type StrategySubmission struct {
	Owner  string         `json:"owner"`
	Type   string         `json:"type"`
	Config StrategyConfig `json:"config"`
	Status string         `json:"status,omitempty"`
}

// Strategy is the server-side view of an automated intent.
type Strategy struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Type       string         `json:"type"`
	Config     StrategyConfig `json:"config"`
	Status     string         `json:"status"`
	FailStreak int            `json:"fail_streak"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// StateTransition is one audited step in an execution's history.
type StateTransition struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     int64  `json:"at"`
}

// ExecutionOutcome captures the on-chain result of a completed execution.
type ExecutionOutcome struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	AmountOut   string `json:"amount_out"`
}

// ExecutionError describes why an execution failed or stalled.
type ExecutionError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Execution is one run of a strategy through its lifecycle.
type Execution struct {
	ID               string            `json:"id"`
	StrategyID       string            `json:"strategy_id"`
	Owner            string            `json:"owner"`
	State            string            `json:"state"`
	StateEnteredAt   int64             `json:"state_entered_at"`
	History          []StateTransition `json:"history"`
	RequiresApproval bool              `json:"requires_approval"`
	ApprovalReason   string            `json:"approval_reason,omitempty"`
	ApprovedBy       string            `json:"approved_by,omitempty"`
	SkipReason       string            `json:"skip_reason,omitempty"`
	Result           *ExecutionOutcome `json:"result,omitempty"`
	Error            *ExecutionError   `json:"error,omitempty"`
	RetryCount       int               `json:"retry_count"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// Stats aggregates execution counts by state.
type Stats struct {
	Total           int   `json:"total"`
	Active          int   `json:"active"`
	AwaitingApprove int   `json:"awaiting_approval"`
	Completed       int   `json:"completed"`
	Skipped         int   `json:"skipped"`
	Cancelled       int   `json:"cancelled"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainPilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateStrategy registers a new strategy.
func (c *Client) CreateStrategy(ctx context.Context, submission StrategySubmission) (Strategy, error) {
	var strat Strategy
	if err := c.post(ctx, "/api/v1/strategies", submission, &strat); err != nil {
		return Strategy{}, err
	}
	return strat, nil
}

// GetStrategy fetches a strategy by identifier.
func (c *Client) GetStrategy(ctx context.Context, id string) (Strategy, error) {
	var strat Strategy
	if err := c.get(ctx, "/api/v1/strategies/"+url.PathEscape(id), &strat); err != nil {
		return Strategy{}, err
	}
	return strat, nil
}

// SetStrategyStatus moves a strategy to the given lifecycle status.
func (c *Client) SetStrategyStatus(ctx context.Context, id, status string) (Strategy, error) {
	var strat Strategy
	payload := map[string]string{"status": status}
	if err := c.post(ctx, "/api/v1/strategies/"+url.PathEscape(id)+"/status", payload, &strat); err != nil {
		return Strategy{}, err
	}
	return strat, nil
}

// TriggerStrategy requests an immediate execution, bypassing the schedule.
func (c *Client) TriggerStrategy(ctx context.Context, id string) error {
	return c.post(ctx, "/api/v1/strategies/"+url.PathEscape(id)+"/trigger", struct{}{}, nil)
}

// GetExecution fetches execution details by identifier.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	if err := c.get(ctx, "/api/v1/executions/"+url.PathEscape(id), &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// ListPendingApprovals returns the executions awaiting the owner's approval.
func (c *Client) ListPendingApprovals(ctx context.Context, owner string) ([]Execution, error) {
	var execs []Execution
	endpoint := "/api/v1/executions/pending?owner=" + url.QueryEscape(owner)
	if err := c.get(ctx, endpoint, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// Approve confirms an execution that is awaiting approval.
func (c *Client) Approve(ctx context.Context, id, approver string) (Execution, error) {
	var exec Execution
	payload := map[string]string{"approver": approver}
	if err := c.post(ctx, "/api/v1/executions/"+url.PathEscape(id)+"/approve", payload, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// Skip declines a pending execution; the strategy stays active.
func (c *Client) Skip(ctx context.Context, id, reason string) (Execution, error) {
	var exec Execution
	payload := map[string]string{"reason": reason}
	if err := c.post(ctx, "/api/v1/executions/"+url.PathEscape(id)+"/skip", payload, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// Cancel aborts an execution that has not reached a terminal state.
func (c *Client) Cancel(ctx context.Context, id string) (Execution, error) {
	var exec Execution
	if err := c.post(ctx, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", struct{}{}, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// ExecutionStats returns aggregate execution counts.
func (c *Client) ExecutionStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/executions/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// SetKillSwitch toggles the platform-wide kill switch.
func (c *Client) SetKillSwitch(ctx context.Context, engaged bool) error {
	payload := map[string]bool{"engaged": engaged}
	return c.post(ctx, "/api/v1/system/killswitch", payload, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
