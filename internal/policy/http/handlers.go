package policyhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vergecare/vergegate/internal/platform/httpx"
	"github.com/vergecare/vergegate/internal/policy"
	"github.com/vergecare/vergegate/internal/shared"
)

// Evaluator is the decision contract consumed by this handler.
type Evaluator interface {
	Evaluate(ctx context.Context, principal policy.Principal, resource policy.Resource, action string) (policy.Decision, error)
}

// Handler serves the authorization decision endpoint for machine callers.
type Handler struct {
	logger    *slog.Logger
	engine    Evaluator
	keys      *shared.APIKeyVerifier
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, engine Evaluator, keys *shared.APIKeyVerifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, keys: keys, validator: validator.New()}
}

// MountRoutes registers the evaluate endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/evaluate", h.handleEvaluate)
}

type principalPayload struct {
	ID         string            `json:"id" validate:"required"`
	Roles      []string          `json:"roles"`
	Attributes map[string]string `json:"attributes"`
}

type resourcePayload struct {
	Kind       string            `json:"kind" validate:"required"`
	ID         string            `json:"id" validate:"required"`
	OwnerID    string            `json:"ownerId"`
	Attributes map[string]string `json:"attributes"`
}

type evaluateRequest struct {
	Principal principalPayload `json:"principal" validate:"required"`
	Resource  resourcePayload  `json:"resource" validate:"required"`
	Action    string           `json:"action" validate:"required"`
}

type decisionResponse struct {
	Allowed       bool   `json:"allowed"`
	Effect        string `json:"effect"`
	Role          string `json:"role,omitempty"`
	Scope         string `json:"scope"`
	Permission    string `json:"permission"`
	Reason        string `json:"reason"`
	PolicyVersion int64  `json:"policyVersion"`
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.keys.Enabled() && !h.keys.Verify(r.Header.Get(shared.APIKeyHeader)) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid API key")
		return
	}

	var req evaluateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	decision, err := h.engine.Evaluate(r.Context(),
		policy.Principal{ID: req.Principal.ID, Roles: req.Principal.Roles, Attributes: req.Principal.Attributes},
		policy.Resource{Kind: req.Resource.Kind, ID: req.Resource.ID, OwnerID: req.Resource.OwnerID, Attributes: req.Resource.Attributes},
		req.Action)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrInvalidRequest), errors.Is(err, policy.ErrUnknownAction):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Caller went away before a decision was made; nothing was audited.
			httpx.Problem(w, http.StatusServiceUnavailable, "Request Canceled", "evaluation canceled before completion")
		default:
			h.logger.Error("evaluate failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}

	httpx.JSON(w, http.StatusOK, decisionResponse{
		Allowed:       decision.Allowed,
		Effect:        decision.Effect(),
		Role:          decision.Role,
		Scope:         string(decision.Scope),
		Permission:    decision.Permission,
		Reason:        decision.Reason,
		PolicyVersion: decision.PolicyVersion,
		CorrelationID: decision.CorrelationID.String(),
		Timestamp:     decision.Timestamp.Format(time.RFC3339Nano),
	})
}
