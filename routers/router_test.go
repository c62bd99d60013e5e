package routers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// 进度 WebSocket 和其它项目接口一样走认证：没有 token 连不上
func TestProgressWebSocketRequiresAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := InitRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/api/projects/p1/wss", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProjectRoutesRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := InitRouter()

	for _, path := range []string{
		"/v1/api/projects",
		"/v1/api/projects/p1",
		"/v1/api/credits",
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}
