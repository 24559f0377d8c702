package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"ChainPilot/internal/execution"
	"ChainPilot/internal/policy"
	"ChainPilot/internal/strategy"
)

func newTestServer(t *testing.T) (*Server, strategy.Store, *execution.Service) {
	t.Helper()
	execStore := execution.NewMemoryStore()
	machine := execution.NewMachine(execStore, nil)
	svc := execution.NewService(execStore, machine)
	strategies := strategy.NewMemoryStore()
	system := policy.NewSystemPolicy(policy.SystemPolicyConfig{})
	return NewServer(":0", svc, strategies, system, nil), strategies, svc
}

func sampleStrategy(id string) *strategy.Strategy {
	return &strategy.Strategy{
		ID:    id,
		Owner: "alice",
		Type:  strategy.TypePeriodicBuy,
		Config: strategy.Config{
			Chain:          "ethereum",
			TokenIn:        "USDC",
			TokenOut:       "WETH",
			Amount:         decimal.NewFromInt(100),
			Schedule:       "0 9 * * 1",
			MaxSlippageBps: 100,
			SessionID:      "sess-1",
		},
		Status: strategy.StatusActive,
	}
}

func TestCreateStrategy(t *testing.T) {
	server, strategies, _ := newTestServer(t)

	body := `{"owner":"alice","type":"periodic_buy","config":{"chain":"ethereum","token_in":"USDC","token_out":"WETH","amount":"100","schedule":"0 9 * * 1","max_slippage_bps":50,"session_id":"sess-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/strategies", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("意外的状态码: got %d want %d, body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created strategy.Strategy
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("创建的策略缺少 ID")
	}
	if created.Status != strategy.StatusDraft {
		t.Fatalf("新策略默认状态应为 draft: got %s", created.Status)
	}

	stored, err := strategies.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("读取策略失败: %v", err)
	}
	if stored.Owner != "alice" {
		t.Fatalf("意外的 owner: %s", stored.Owner)
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	// 金额为零应被存储层校验拒绝。
	body := `{"owner":"alice","type":"periodic_buy","config":{"chain":"ethereum","amount":"0"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/strategies", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("意外的状态码: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if resp["code"] != "INVALID_ARGUMENT" {
		t.Fatalf("意外的错误码: %s", resp["code"])
	}
}

func TestStrategyStatusTransition(t *testing.T) {
	server, strategies, _ := newTestServer(t)
	if err := strategies.Create(context.Background(), sampleStrategy("strat-1")); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/strategies/strat-1/status",
		strings.NewReader(`{"status":"paused"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("意外的状态码: got %d, body=%s", rec.Code, rec.Body.String())
	}
	stored, err := strategies.Get(context.Background(), "strat-1")
	if err != nil {
		t.Fatalf("读取策略失败: %v", err)
	}
	if stored.Status != strategy.StatusPaused {
		t.Fatalf("策略状态未更新: %s", stored.Status)
	}
}

func TestStrategyStatusRejectsUnknown(t *testing.T) {
	server, strategies, _ := newTestServer(t)
	if err := strategies.Create(context.Background(), sampleStrategy("strat-1")); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/strategies/strat-1/status",
		strings.NewReader(`{"status":"frozen"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("意外的状态码: got %d", rec.Code)
	}
}

func TestExecutionLifecycleEndpoints(t *testing.T) {
	server, strategies, svc := newTestServer(t)
	strat := sampleStrategy("strat-1")
	if err := strategies.Create(context.Background(), strat); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}
	exec, err := svc.Create(context.Background(), strat)
	if err != nil {
		t.Fatalf("创建执行失败: %v", err)
	}

	// 详情查询。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("查询执行失败: got %d", rec.Code)
	}
	var got execution.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析执行失败: %v", err)
	}
	if got.ID != exec.ID || got.State != execution.StateIdle {
		t.Fatalf("意外的执行详情: %+v", got)
	}

	// 取消。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("取消执行失败: got %d, body=%s", rec.Code, rec.Body.String())
	}
	cancelled, err := svc.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("读取执行失败: %v", err)
	}
	if cancelled.State != execution.StateCancelled {
		t.Fatalf("执行未被取消: %s", cancelled.State)
	}

	// 终态后再次取消应返回冲突。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("终态取消应返回 409: got %d", rec.Code)
	}
}

func TestApproveEndpoint(t *testing.T) {
	server, strategies, svc := newTestServer(t)
	strat := sampleStrategy("strat-1")
	if err := strategies.Create(context.Background(), strat); err != nil {
		t.Fatalf("创建策略失败: %v", err)
	}
	exec, err := svc.Create(context.Background(), strat)
	if err != nil {
		t.Fatalf("创建执行失败: %v", err)
	}

	// 将执行推进到等待审批状态。
	ctx := context.Background()
	machine := svc.Machine()
	for _, state := range []execution.State{
		execution.StateAnalyzing, execution.StatePlanning, execution.StateAwaitingApproval,
	} {
		if _, err := machine.Transition(ctx, exec.ID, state); err != nil {
			t.Fatalf("推进到 %s 失败: %v", state, err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+exec.ID+"/approve",
		strings.NewReader(`{"approver":"alice"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("审批失败: got %d, body=%s", rec.Code, rec.Body.String())
	}
	var approved execution.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &approved); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if approved.State != execution.StateExecuting {
		t.Fatalf("审批后应进入 executing: %s", approved.State)
	}
	if approved.ApprovedBy != "alice" {
		t.Fatalf("意外的审批人: %s", approved.ApprovedBy)
	}
}

func TestPendingApprovalsRequiresOwner(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/pending", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少 owner 应返回 400: got %d", rec.Code)
	}
}

func TestKillSwitchEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/system/killswitch",
		strings.NewReader(`{"engaged":true}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("意外的状态码: got %d", rec.Code)
	}

	// 开关打开后系统层应阻断任意动作。
	verdict := server.system.Evaluate(context.Background(), policy.ActionContext{Chain: "ethereum"})
	if len(verdict.Violations) == 0 {
		t.Fatalf("熔断开关打开后仍放行动作")
	}
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz 应返回 200: got %d", rec.Code)
	}
}
