package policyhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vergecare/vergegate/internal/policy"
	"github.com/vergecare/vergegate/internal/shared"
)

type stubEngine struct {
	decision policy.Decision
	err      error
	lastReq  struct {
		principal policy.Principal
		resource  policy.Resource
		action    string
	}
}

func (s *stubEngine) Evaluate(ctx context.Context, principal policy.Principal, resource policy.Resource, action string) (policy.Decision, error) {
	s.lastReq.principal = principal
	s.lastReq.resource = resource
	s.lastReq.action = action
	return s.decision, s.err
}

func mountEvaluate(engine Evaluator, keys *shared.APIKeyVerifier) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, engine, keys).MountRoutes(r)
	return r
}

func evaluateBody(principalID, kind, id, action string) string {
	body, _ := json.Marshal(map[string]any{
		"principal": map[string]any{"id": principalID, "roles": []string{"user"}},
		"resource":  map[string]any{"kind": kind, "id": id, "ownerId": principalID},
		"action":    action,
	})
	return string(body)
}

func TestEvaluateEndpoint(t *testing.T) {
	engine := &stubEngine{decision: policy.Decision{
		Allowed:       true,
		Role:          "user",
		Scope:         policy.ScopeOwn,
		Permission:    "budget.write",
		Reason:        `allowed by role "user" with scope own`,
		PolicyVersion: 7,
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	}}
	router := mountEvaluate(engine, shared.NewAPIKeyVerifier(""))

	req := httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)
	require.Equal(t, "ALLOW", resp.Effect)
	require.Equal(t, "own", resp.Scope)
	require.Equal(t, "budget.write", resp.Permission)
	require.Equal(t, int64(7), resp.PolicyVersion)
	require.Equal(t, engine.decision.CorrelationID.String(), resp.CorrelationID)
	require.NotEmpty(t, resp.Timestamp)

	require.Equal(t, "u1", engine.lastReq.principal.ID)
	require.Equal(t, "budget", engine.lastReq.resource.Kind)
	require.Equal(t, "write", engine.lastReq.action)
}

func TestEvaluateEndpointDeny(t *testing.T) {
	engine := &stubEngine{decision: policy.Decision{
		Allowed:       false,
		Reason:        policy.ReasonNoGrant,
		PolicyVersion: 3,
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	}}
	router := mountEvaluate(engine, shared.NewAPIKeyVerifier(""))

	req := httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// A deny is still a successful evaluation.
	require.Equal(t, http.StatusOK, rec.Code)
	var resp decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
	require.Equal(t, "DENY", resp.Effect)
	require.Equal(t, policy.ReasonNoGrant, resp.Reason)
}

func TestEvaluateEndpointInvalidJSON(t *testing.T) {
	router := mountEvaluate(&stubEngine{}, shared.NewAPIKeyVerifier(""))

	req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(`{broken`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateEndpointValidation(t *testing.T) {
	router := mountEvaluate(&stubEngine{}, shared.NewAPIKeyVerifier(""))

	cases := map[string]string{
		"missing principal id": evaluateBody("", "budget", "b1", "write"),
		"missing resource id":  evaluateBody("u1", "budget", "", "write"),
		"missing action":       evaluateBody("u1", "budget", "b1", ""),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/evaluate", strings.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestEvaluateEndpointUnknownAction(t *testing.T) {
	engine := &stubEngine{err: policy.ErrUnknownAction}
	router := mountEvaluate(engine, shared.NewAPIKeyVerifier(""))

	req := httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "teleport")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateEndpointCanceled(t *testing.T) {
	engine := &stubEngine{err: context.Canceled}
	router := mountEvaluate(engine, shared.NewAPIKeyVerifier(""))

	req := httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "Request Canceled")
}

func TestEvaluateEndpointAPIKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("svc-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	keys := shared.NewAPIKeyVerifier(string(hash))

	engine := &stubEngine{decision: policy.Decision{
		Allowed:       true,
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	}}
	router := mountEvaluate(engine, keys)

	req := httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	req.Header.Set(shared.APIKeyHeader, "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/evaluate",
		strings.NewReader(evaluateBody("u1", "budget", "b1", "write")))
	req.Header.Set(shared.APIKeyHeader, "svc-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyVerifier(t *testing.T) {
	require.False(t, shared.NewAPIKeyVerifier("").Enabled())
	require.False(t, shared.NewAPIKeyVerifier(" , ,").Enabled())

	hash, err := bcrypt.GenerateFromPassword([]byte("k1"), bcrypt.MinCost)
	require.NoError(t, err)
	verifier := shared.NewAPIKeyVerifier(string(hash))
	require.True(t, verifier.Enabled())
	require.True(t, verifier.Verify("k1"))
	require.False(t, verifier.Verify("k2"))
	require.False(t, verifier.Verify(""))
}
