package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/vergecare/vergegate/internal/policy"
	"github.com/vergecare/vergegate/internal/shared"
)

type stubMatrixStore struct {
	roles      []policy.Role
	perms      []policy.Permission
	grants     map[int64][]policy.RolePermission
	setErr     error
	deleteErr  error
	createErr  error
	setCalls   []string
	createdVal policy.Role
}

func (s *stubMatrixStore) ListRoles() ([]policy.Role, error) {
	return s.roles, nil
}

func (s *stubMatrixStore) ListPermissions() ([]policy.Permission, error) {
	return s.perms, nil
}

func (s *stubMatrixStore) GetRolePermissions(roleID int64) ([]policy.RolePermission, error) {
	grants, ok := s.grants[roleID]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return grants, nil
}

func (s *stubMatrixStore) SetRolePermission(ctx context.Context, roleID int64, permissionKey string, scope policy.Scope) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.setCalls = append(s.setCalls, permissionKey+"="+string(scope))
	return nil
}

func (s *stubMatrixStore) CreateRole(ctx context.Context, name string) (policy.Role, error) {
	if s.createErr != nil {
		return policy.Role{}, s.createErr
	}
	s.createdVal = policy.Role{ID: 10, Name: name}
	return s.createdVal, nil
}

func (s *stubMatrixStore) DeleteRole(ctx context.Context, roleID int64) error {
	return s.deleteErr
}

type stubEvaluator struct {
	decision policy.Decision
	err      error
	lastRes  policy.Resource
	lastAct  string
}

func (s *stubEvaluator) Evaluate(ctx context.Context, principal policy.Principal, resource policy.Resource, action string) (policy.Decision, error) {
	s.lastRes = resource
	s.lastAct = action
	return s.decision, s.err
}

func allowAll() *stubEvaluator {
	return &stubEvaluator{decision: policy.Decision{Allowed: true}}
}

func denyWith(reason string) *stubEvaluator {
	return &stubEvaluator{decision: policy.Decision{Reason: reason}}
}

func adminRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	sess := &shared.Session{}
	sess.SetPrincipal("admin-1", []string{"admin"})
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func mountAdmin(store MatrixStore, engine Evaluator) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, store, engine).MountRoutes(r)
	return r
}

func TestListRoles(t *testing.T) {
	store := &stubMatrixStore{roles: []policy.Role{
		{ID: 1, Name: "admin", IsSystem: true},
		{ID: 2, Name: "user", IsSystem: true},
	}}
	engine := allowAll()
	router := mountAdmin(store, engine)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodGet, "/roles", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "read", engine.lastAct)
	require.Equal(t, "role", engine.lastRes.Kind)

	var roles []roleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	require.Len(t, roles, 2)
	require.Equal(t, "admin", roles[0].Name)
	require.True(t, roles[0].IsSystem)
}

func TestListRolesUnauthenticated(t *testing.T) {
	router := mountAdmin(&stubMatrixStore{}, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/roles", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListRolesForbidden(t *testing.T) {
	router := mountAdmin(&stubMatrixStore{}, denyWith("no_grant"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodGet, "/roles", ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "no_grant")
}

func TestCreateRole(t *testing.T) {
	store := &stubMatrixStore{}
	router := mountAdmin(store, allowAll())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPost, "/roles", `{"name":"auditor"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "auditor", store.createdVal.Name)
}

func TestCreateRoleValidation(t *testing.T) {
	router := mountAdmin(&stubMatrixStore{}, allowAll())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPost, "/roles", `{"name":"x"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPost, "/roles", `{not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetRolePermission(t *testing.T) {
	store := &stubMatrixStore{}
	engine := allowAll()
	router := mountAdmin(store, engine)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPut,
		"/roles/2/permissions/budget.write", `{"scope":"own"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"budget.write=own"}, store.setCalls)

	// The mutation is authorized as an update on the rolePermission pair.
	require.Equal(t, "rolePermission", engine.lastRes.Kind)
	require.Equal(t, "2:budget.write", engine.lastRes.ID)
	require.Equal(t, "update", engine.lastAct)
}

func TestSetRolePermissionInvalidScope(t *testing.T) {
	router := mountAdmin(&stubMatrixStore{}, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPut,
		"/roles/2/permissions/budget.write", `{"scope":"everything"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetRolePermissionUnknownRole(t *testing.T) {
	store := &stubMatrixStore{setErr: policy.ErrNotFound}
	router := mountAdmin(store, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPut,
		"/roles/99/permissions/budget.write", `{"scope":"own"}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRoleImmutable(t *testing.T) {
	store := &stubMatrixStore{deleteErr: policy.ErrImmutableRole}
	router := mountAdmin(store, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodDelete, "/roles/1", ""))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRoleBadID(t *testing.T) {
	router := mountAdmin(&stubMatrixStore{}, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodDelete, "/roles/abc", ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRolePermissions(t *testing.T) {
	store := &stubMatrixStore{grants: map[int64][]policy.RolePermission{
		2: {{RoleID: 2, PermissionID: 1, PermissionKey: "budget.write", Scope: policy.ScopeOwn}},
	}}
	router := mountAdmin(store, allowAll())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodGet, "/roles/2/permissions", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var grants []grantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grants))
	require.Len(t, grants, 1)
	require.Equal(t, "own", grants[0].Scope)
}

func TestListPermissions(t *testing.T) {
	store := &stubMatrixStore{perms: []policy.Permission{
		{ID: 1, Key: "budget.write", Category: "finance", Level: "write"},
	}}
	router := mountAdmin(store, allowAll())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodGet, "/permissions", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var perms []permissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perms))
	require.Len(t, perms, 1)
	require.Equal(t, "budget.write", perms[0].Key)
}

func TestStoreUnavailable(t *testing.T) {
	store := &stubMatrixStore{setErr: policy.ErrPolicyUnavailable}
	router := mountAdmin(store, allowAll())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, adminRequest(t, http.MethodPut,
		"/roles/2/permissions/budget.write", `{"scope":"all"}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
