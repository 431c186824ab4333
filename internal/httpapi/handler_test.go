package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrust/govlock/internal/authz"
	"github.com/casetrust/govlock/internal/lock"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := lock.NewService(lock.NewMemoryStore(), authz.NewRoleAuthorizer(), lock.ServiceConfig{
		DefaultLease: 5 * time.Minute,
		MaxLease:     30 * time.Minute,
		Logger:       zerolog.Nop(),
	})
	resolver := authz.NewStaticResolver(map[string]authz.Identity{
		"tok-u1":    {OwnerID: "u1", Role: authz.RoleEditor, OrgID: "org-1"},
		"tok-u2":    {OwnerID: "u2", Role: authz.RoleEditor, OrgID: "org-1"},
		"tok-view":  {OwnerID: "v1", Role: authz.RoleViewer, OrgID: "org-1"},
		"tok-admin": {OwnerID: "a1", Role: authz.RoleAdmin, OrgID: "org-1"},
	})

	router := gin.New()
	handler := NewHandler(service, resolver, 90*time.Second, zerolog.Nop())
	handler.RegisterRoutes(router.Group("/api/v1"))
	return router
}

func doJSON(router *gin.Engine, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func acquireBody(resourceID, scope, typ string) map[string]interface{} {
	return map[string]interface{}{
		"resourceId": resourceID,
		"scope":      scope,
		"type":       typ,
	}
}

func TestHandler_AcquireSuccess(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Lock                 lock.Lock `json:"lock"`
		RenewIntervalSeconds int       `json:"renewIntervalSeconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.Lock.OwnerID)
	assert.Equal(t, lock.TypeExclusive, resp.Lock.Type)
	assert.Equal(t, 90, resp.RenewIntervalSeconds)
}

func TestHandler_AcquireConflictPayload(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u2", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusConflict, w.Code)

	var conflict struct {
		Error            string `json:"error"`
		Holder           string `json:"holder"`
		RemainingSeconds int64  `json:"remainingSeconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "lock_conflict", conflict.Error)
	assert.Equal(t, "u1", conflict.Holder)
	assert.InDelta(t, 300, conflict.RemainingSeconds, 5)
}

func TestHandler_Unauthenticated(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-bogus", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ViewerCannotAcquire(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-view", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_RenewOutcomes(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	// Holder renews.
	w = doJSON(router, http.MethodPost, "/api/v1/locks/renew", "tok-u1", map[string]string{"resourceId": "res-1", "scope": "ASSESS"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Non-holder gets not_owner.
	w = doJSON(router, http.MethodPost, "/api/v1/locks/renew", "tok-u2", map[string]string{"resourceId": "res-1", "scope": "ASSESS"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not_owner")

	// Renew with no lease at all reads as expired.
	w = doJSON(router, http.MethodPost, "/api/v1/locks/renew", "tok-u2", map[string]string{"resourceId": "res-9", "scope": "ASSESS"})
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHandler_ReleaseFormEncoded(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	// Beacon-style delivery: form-encoded body, credential as a form field,
	// no Authorization header.
	form := url.Values{}
	form.Set("resourceId", "res-1")
	form.Set("scope", "ASSESS")
	form.Set("type", "EXCLUSIVE")
	form.Set("token", "tok-u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locks/release", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The pair is free again.
	w = doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u2", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandler_ReleaseQueryParams(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	// Bodyless delivery: everything in the query string.
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/locks/release?resourceId=res-1&scope=ASSESS&type=EXCLUSIVE&token=tok-u1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_ReleaseIdempotent(t *testing.T) {
	router := newTestRouter(t)

	// Releasing a lock that never existed is still 204.
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/locks/release?resourceId=res-none&scope=ASSESS&token=tok-u1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_Status(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/locks/status?resourceId=res-1&scope=ASSESS", "tok-u2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status lock.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.HasExclusiveLock)
	assert.Equal(t, "u1", status.Holder)
	assert.False(t, status.CanEdit)
	assert.Greater(t, status.RemainingSeconds, int64(0))
}

func TestHandler_ForceRelease(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	// Editors cannot force-release.
	w = doJSON(router, http.MethodPost, "/api/v1/locks/force-release", "tok-u2", map[string]string{"resourceId": "res-1", "scope": "ASSESS"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/locks/force-release", "tok-admin", map[string]string{"resourceId": "res-1", "scope": "ASSESS"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"released":1`)
}

func TestHandler_Diagnostics(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/locks/acquire", "tok-u1", acquireBody("res-1", "ASSESS", "EXCLUSIVE"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/locks/diag", "tok-u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/locks/diag", "tok-admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activeLocks":1`)
}
