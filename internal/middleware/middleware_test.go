package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/auth"
	"github.com/redlegion/eventpay/pkg/utils"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Logger(zap.NewNop()))
	r.GET("/x", append(mw, func(c *gin.Context) {
		c.String(http.StatusOK, Actor(c))
	})...)
	return r
}

func do(r http.Handler, header, value string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAndRoles(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := newRouter(JWT(svc), RequireRole(auth.RoleOrganizer, auth.RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, do(r, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Authorization", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Authorization", "Bearer abc").Code)

	viewer, err := svc.Generate("200000000000000001", "Vee", auth.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(r, "Authorization", "Bearer "+viewer).Code)

	org, err := svc.Generate("200000000000000002", "Oz", auth.RoleOrganizer)
	require.NoError(t, err)
	w := do(r, "Authorization", "Bearer "+org)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "200000000000000002", w.Body.String())
}

func TestTrackerKey(t *testing.T) {
	hash, err := utils.HashSecret("bot-shared-key-0123")
	require.NoError(t, err)
	r := newRouter(TrackerKey(hash))

	assert.Equal(t, http.StatusUnauthorized, do(r, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, TrackerKeyHeader, "wrong-key-000000000").Code)
	assert.Equal(t, http.StatusOK, do(r, TrackerKeyHeader, "bot-shared-key-0123").Code)
	assert.Equal(t, http.StatusOK, do(r, TrackerKeyHeader, "bot-shared-key-0123").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, TrackerKeyHeader, "wrong-key-000000000").Code)

	closed := newRouter(TrackerKey(""))
	assert.Equal(t, http.StatusUnauthorized, do(closed, TrackerKeyHeader, "bot-shared-key-0123").Code)
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("http://dash.local"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://dash.local")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dash.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.local")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequireRoleRejectsUnknownRole(t *testing.T) {
	assert.Panics(t, func() { RequireRole("superuser") })

	r := newRouter(RequireRole(auth.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, do(r, "", "").Code)
}
