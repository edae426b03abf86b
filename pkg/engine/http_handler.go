package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flumeai/flume-oss/internal/ratelimit"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/telemetry"
)

// HeaderRequestID lets callers supply their own request correlation ID.
const HeaderRequestID = "X-Request-ID"

// AgentRequest is the JSON body accepted on the agent endpoint.
type AgentRequest struct {
	Text     string            `json:"text"`
	AgentID  string            `json:"agentId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AgentResponse is the JSON reply for both success and failure outcomes.
type AgentResponse struct {
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AgentHandler terminates the agent HTTP endpoint and runs each request
// through the live workflow. The workflow pointer is captured once per
// request, so a concurrent reload never changes a pipeline mid-flight.
type AgentHandler struct {
	manager   *Manager
	executor  *Executor
	resources domain.ResourceLookup
	logger    *slog.Logger
	metrics   *telemetry.HTTPMetrics
	limiter   *ratelimit.Limiter
}

// AgentHandlerConfig holds the collaborators for creating an AgentHandler.
// Limiter is optional; when nil no rate limiting is applied.
type AgentHandlerConfig struct {
	Manager   *Manager
	Executor  *Executor
	Resources domain.ResourceLookup
	Logger    *slog.Logger
	Metrics   *telemetry.HTTPMetrics
	Limiter   *ratelimit.Limiter
}

// NewAgentHandler constructs the handler.
func NewAgentHandler(cfg AgentHandlerConfig) *AgentHandler {
	if cfg.Manager == nil {
		panic("engine: reload manager is required")
	}
	if cfg.Executor == nil {
		panic("engine: executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{
		manager:   cfg.Manager,
		executor:  cfg.Executor,
		resources: cfg.Resources,
		logger:    logger,
		metrics:   cfg.Metrics,
		limiter:   cfg.Limiter,
	}
}

// ServeHTTP implements http.Handler.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.reply(w, r, http.StatusMethodNotAllowed, start, AgentResponse{Error: "method_not_allowed"})
		return
	}

	var body AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.reply(w, r, http.StatusBadRequest, start, AgentResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if h.limiter != nil && !h.limiter.Allow(body.AgentID) {
		h.reply(w, r, http.StatusTooManyRequests, start, AgentResponse{
			RequestID: requestID,
			Error:     "rate_limited",
			Message:   "agent exceeded its request rate",
		})
		return
	}

	workflow := h.manager.Current()
	if workflow == nil {
		h.reply(w, r, http.StatusServiceUnavailable, start, AgentResponse{
			RequestID: requestID,
			Error:     "no_workflow",
			Message:   "no workflow is loaded",
		})
		return
	}

	ec := domain.NewExecutionContext(requestID, domain.RequestInput{
		Text:     body.Text,
		AgentID:  body.AgentID,
		Metadata: body.Metadata,
	}, h.resources)

	err := h.executor.Execute(r.Context(), workflow, ec)
	telemetry.RecordPipelineDuration(r.Context(), workflow.Name, time.Since(start))

	if err != nil {
		h.logger.Warn("request failed",
			"workflow", workflow.Name,
			"request_id", requestID,
			"error", err,
		)
		h.reply(w, r, failureStatus(ec, err), start, AgentResponse{
			RequestID: requestID,
			Payload:   ec.Response.Payload,
			Error:     errorCode(ec),
			Message:   ec.Response.ErrorMessage,
		})
		return
	}

	h.reply(w, r, http.StatusOK, start, AgentResponse{
		RequestID: requestID,
		Payload:   ec.Response.Payload,
	})
}

func (h *AgentHandler) reply(w http.ResponseWriter, r *http.Request, status int, start time.Time, body AgentResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("write response failed", "error", err)
	}
	if h.metrics != nil {
		h.metrics.ObserveRequest(r.URL.Path, status, time.Since(start))
	}
}

func errorCode(ec *domain.ExecutionContext) string {
	if ec.Response.ErrorCode != "" {
		return ec.Response.ErrorCode
	}
	return "pipeline_error"
}

func failureStatus(ec *domain.ExecutionContext, err error) int {
	switch {
	case ec.Response.ErrorCode == "policy_denied":
		return http.StatusForbidden
	case errors.Is(err, domain.ErrResponseNotFinal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
