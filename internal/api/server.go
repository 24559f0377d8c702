package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/execution"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/policy"
	"ChainPilot/internal/scheduler"
	"ChainPilot/internal/strategy"
)

// Server 负责暴露 REST 接口，供外部管理策略与执行。
type Server struct {
	addr       string
	executions *execution.Service
	strategies strategy.Store
	system     *policy.SystemPolicy
	sched      *scheduler.Scheduler
}

// NewServer 构造 API 服务实例。sched 允许为 nil，此时状态变更不联动调度器。
func NewServer(addr string, execSvc *execution.Service, strategies strategy.Store, system *policy.SystemPolicy, sched *scheduler.Scheduler) *Server {
	return &Server{
		addr:       addr,
		executions: execSvc,
		strategies: strategies,
		system:     system,
		sched:      sched,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，测试可以直接挂接而无需监听端口。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/strategies", instrument("strategies", s.handleStrategies))
	mux.HandleFunc("/api/v1/strategies/", instrument("strategy_detail", s.handleStrategyDetail))
	mux.HandleFunc("/api/v1/executions", instrument("executions", s.handleExecutions))
	mux.HandleFunc("/api/v1/executions/stats", instrument("execution_stats", s.handleExecutionStats))
	mux.HandleFunc("/api/v1/executions/pending", instrument("pending_approvals", s.handlePendingApprovals))
	mux.HandleFunc("/api/v1/executions/", instrument("execution_detail", s.handleExecutionDetail))
	mux.HandleFunc("/api/v1/system/killswitch", instrument("killswitch", s.handleKillSwitch))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// statusRecorder 捕获写出的状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器记录请求量与延迟指标。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateStrategy(w, r)
	case http.MethodGet:
		s.handleListStrategies(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createStrategyRequest struct {
	Owner  string          `json:"owner"`
	Type   strategy.Type   `json:"type"`
	Config strategy.Config `json:"config"`
	Status strategy.Status `json:"status,omitempty"`
}

// handleCreateStrategy 处理创建策略的请求。新策略默认为 draft 状态，
// 显式请求 active 时会同时向调度器注册。
func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Status != "" && req.Status != strategy.StatusDraft && req.Status != strategy.StatusActive {
		http.Error(w, "新策略只能以 draft 或 active 状态创建", http.StatusBadRequest)
		return
	}

	strat := &strategy.Strategy{
		ID:     uuid.NewString(),
		Owner:  req.Owner,
		Type:   req.Type,
		Config: req.Config,
		Status: req.Status,
	}
	if err := s.strategies.Create(r.Context(), strat); err != nil {
		writeError(w, err)
		return
	}
	if strat.Status == strategy.StatusActive && s.sched != nil {
		if err := s.sched.Register(strat); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "缺少 owner 参数", http.StatusBadRequest)
		return
	}
	status := strategy.Status(r.URL.Query().Get("status"))
	if status != "" && !strategy.IsValidStatus(status) {
		http.Error(w, "不支持的策略状态", http.StatusBadRequest)
		return
	}
	items, err := s.strategies.ListByOwner(r.Context(), owner, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleStrategyDetail 分发 /api/v1/strategies/{id} 及其子路径。
func (s *Server) handleStrategyDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/strategies/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少策略 ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		strat, err := s.strategies.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strat)
	case "status":
		s.handleStrategyStatus(w, r, id)
	case "trigger":
		s.handleStrategyTrigger(w, r, id)
	default:
		http.Error(w, "未知的策略操作", http.StatusNotFound)
	}
}

type strategyStatusRequest struct {
	Status strategy.Status `json:"status"`
}

// handleStrategyStatus 更新策略状态，并保持调度器注册表与之同步：
// 激活时注册 cron 条目，暂停或归档时移除。
func (s *Server) handleStrategyStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req strategyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !strategy.IsValidStatus(req.Status) {
		http.Error(w, "不支持的策略状态", http.StatusBadRequest)
		return
	}
	if err := s.strategies.UpdateStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	if s.sched != nil {
		if req.Status == strategy.StatusActive {
			strat, err := s.strategies.Get(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := s.sched.Register(strat); err != nil {
				writeError(w, err)
				return
			}
		} else {
			s.sched.Deregister(id)
		}
	}
	strat, err := s.strategies.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// handleStrategyTrigger 立即触发一次策略执行，不等待 cron 到期。
func (s *Server) handleStrategyTrigger(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.sched == nil {
		http.Error(w, "调度器未启用", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.strategies.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.sched.Fire(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}

	opts := make([]execution.ListOption, 0, 4)
	query := r.URL.Query()
	if owner := query.Get("owner"); owner != "" {
		opts = append(opts, execution.WithOwner(owner))
	}
	if strategyID := query.Get("strategy_id"); strategyID != "" {
		opts = append(opts, execution.WithStrategy(strategyID))
	}
	if rawStates := query.Get("states"); rawStates != "" {
		states := make([]execution.State, 0, 4)
		for _, item := range strings.Split(rawStates, ",") {
			state := execution.State(strings.TrimSpace(item))
			if !execution.IsValidState(state) {
				http.Error(w, "不支持的执行状态: "+string(state), http.StatusBadRequest)
				return
			}
			states = append(states, state)
		}
		opts = append(opts, execution.WithStates(states...))
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 参数无效", http.StatusBadRequest)
			return
		}
		opts = append(opts, execution.WithLimit(parsed))
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset 参数无效", http.StatusBadRequest)
			return
		}
		opts = append(opts, execution.WithOffset(parsed))
	}

	items, err := s.executions.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts := make([]execution.ListOption, 0, 2)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		opts = append(opts, execution.WithOwner(owner))
	}
	if strategyID := r.URL.Query().Get("strategy_id"); strategyID != "" {
		opts = append(opts, execution.WithStrategy(strategyID))
	}
	stats, err := s.executions.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePendingApprovals 返回指定用户等待审批的执行，供审批界面轮询。
func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "缺少 owner 参数", http.StatusBadRequest)
		return
	}
	items, err := s.executions.ListPendingApproval(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleExecutionDetail 分发 /api/v1/executions/{id} 及其子路径。
func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少执行 ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		exec, err := s.executions.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	case "approve":
		s.handleApprove(w, r, id)
	case "skip":
		s.handleSkip(w, r, id)
	case "cancel":
		s.handleCancel(w, r, id)
	default:
		http.Error(w, "未知的执行操作", http.StatusNotFound)
	}
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	exec, err := s.executions.Approve(r.Context(), id, req.Approver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req skipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	exec, err := s.executions.Skip(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	exec, err := s.executions.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type killSwitchRequest struct {
	Engaged bool `json:"engaged"`
}

// handleKillSwitch 切换全局熔断开关。开关打开后系统层会阻断一切新动作。
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.system == nil {
		http.Error(w, "系统策略层未启用", http.StatusServiceUnavailable)
		return
	}
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	s.system.SetKillSwitch(req.Engaged)
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": req.Engaged})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将内部错误码翻译为 HTTP 状态码，响应体携带机器可读的错误码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeExecutionActive, xerrors.CodeInvalidTransition:
		status = http.StatusConflict
	case xerrors.CodePolicyBlocked:
		status = http.StatusForbidden
	case xerrors.CodeRateLimited:
		status = http.StatusTooManyRequests
	case xerrors.CodeTimeout, xerrors.CodeTimeoutAmbiguous:
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
