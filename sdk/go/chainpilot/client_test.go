package chainpilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/strategies" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission StrategySubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.Owner != "alice" {
			t.Fatalf("unexpected owner: %q", submission.Owner)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Strategy{
			ID:     "strat-1",
			Owner:  submission.Owner,
			Type:   submission.Type,
			Status: "draft",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	strat, err := client.CreateStrategy(context.Background(), StrategySubmission{
		Owner: "alice",
		Type:  "periodic_buy",
		Config: StrategyConfig{
			Chain:    "ethereum",
			TokenIn:  "USDC",
			TokenOut: "WETH",
			Amount:   "100",
			Schedule: "0 9 * * 1",
		},
	})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if strat.ID != "strat-1" || strat.Status != "draft" {
		t.Fatalf("unexpected strategy: %+v", strat)
	}
}

func TestApproveExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions/exec-1/approve" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payload["approver"] != "alice" {
			t.Fatalf("unexpected approver: %q", payload["approver"])
		}
		_ = json.NewEncoder(w).Encode(Execution{
			ID:         "exec-1",
			State:      "executing",
			ApprovedBy: "alice",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	exec, err := client.Approve(context.Background(), "exec-1", "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if exec.State != "executing" || exec.ApprovedBy != "alice" {
		t.Fatalf("unexpected execution: %+v", exec)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "EXECUTION_ACTIVE",
			"message": "strategy already has an active execution",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.TriggerStrategy(context.Background(), "strat-1")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "EXECUTION_ACTIVE" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListPendingApprovals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions/pending" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("owner"); got != "alice" {
			t.Fatalf("unexpected owner query: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Execution{
			{ID: "exec-1", State: "awaiting_approval", RequiresApproval: true},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	execs, err := client.ListPendingApprovals(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list pending approvals: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != "exec-1" {
		t.Fatalf("unexpected executions: %+v", execs)
	}
}
