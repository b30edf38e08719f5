package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vergecare/vergegate/internal/audit"
	"github.com/vergecare/vergegate/internal/platform/httpx"
	"github.com/vergecare/vergegate/internal/policy"
	"github.com/vergecare/vergegate/internal/shared"
)

// QueryService is the compliance query contract.
type QueryService interface {
	Query(ctx context.Context, filters audit.Filters) (audit.Result, error)
}

// Evaluator authorizes trail access through the engine.
type Evaluator interface {
	Evaluate(ctx context.Context, principal policy.Principal, resource policy.Resource, action string) (policy.Decision, error)
}

// Handler serves the audit trail to compliance dashboards.
type Handler struct {
	logger  *slog.Logger
	service QueryService
	engine  Evaluator
	now     func() time.Time
}

// NewHandler builds the audit query handler.
func NewHandler(logger *slog.Logger, service QueryService, engine Evaluator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, engine: engine, now: time.Now}
}

// MountRoutes registers the audit query route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleQuery)
}

type recordResponse struct {
	ID             int64    `json:"id"`
	CorrelationID  string   `json:"correlationId"`
	PrincipalID    string   `json:"principalId"`
	PrincipalRoles []string `json:"principalRoles"`
	ResourceKind   string   `json:"resourceKind"`
	ResourceID     string   `json:"resourceId"`
	Action         string   `json:"action"`
	Allowed        bool     `json:"allowed"`
	Effect         string   `json:"effect"`
	Scope          string   `json:"scope"`
	Permission     string   `json:"permission"`
	Reason         string   `json:"reason"`
	Category       string   `json:"category"`
	OccurredAt     string   `json:"occurredAt"`
}

type queryResponse struct {
	Records  []recordResponse `json:"records"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	HasNext  bool             `json:"hasNext"`
	// The window actually applied, so dashboards can tell when a default or
	// explicit bound truncated the trail.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	principalID, roles, err := shared.AuthenticatedPrincipal(r.Context())
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	principal := policy.Principal{ID: principalID, Roles: roles}
	decision, err := h.engine.Evaluate(r.Context(), principal,
		policy.Resource{Kind: "auditRecord", ID: "trail"}, "read")
	if err != nil {
		h.logger.Error("audit authorize", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !decision.Allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", decision.Reason)
		return
	}

	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	records := make([]recordResponse, 0, len(result.Rows))
	for _, rec := range result.Rows {
		records = append(records, recordResponse{
			ID:             rec.ID,
			CorrelationID:  rec.CorrelationID.String(),
			PrincipalID:    rec.PrincipalID,
			PrincipalRoles: rec.PrincipalRoles,
			ResourceKind:   rec.ResourceKind,
			ResourceID:     rec.ResourceID,
			Action:         rec.Action,
			Allowed:        rec.Allowed,
			Effect:         rec.Effect,
			Scope:          rec.Scope,
			Permission:     rec.Permission,
			Reason:         rec.Reason,
			Category:       string(rec.Category),
			OccurredAt:     rec.OccurredAt.Format(time.RFC3339Nano),
		})
	}
	resp := queryResponse{
		Records:  records,
		Page:     result.Paging.Page,
		PageSize: result.Paging.PageSize,
		HasNext:  result.Paging.HasNext,
	}
	if !filters.From.IsZero() {
		resp.From = filters.From.Format(time.RFC3339Nano)
	}
	if !filters.To.IsZero() {
		resp.To = filters.To.Format(time.RFC3339Nano)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	query := r.URL.Query()
	filters := audit.Filters{
		PrincipalID:  query.Get("principalId"),
		ResourceKind: query.Get("resourceKind"),
	}
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.From = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.To = t
	}
	// Unbounded scans over the whole trail are a dashboard bug; default the
	// window instead of refusing. The default spans the longest retention so
	// no still-retained record is hidden from an unfiltered query.
	if filters.From.IsZero() && filters.To.IsZero() {
		filters.From = h.now().Add(-audit.MaxRetention())
	}
	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.Page = page
	}
	if raw := query.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.PageSize = size
	}
	return filters, nil
}
