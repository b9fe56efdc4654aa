package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) Register(r gin.IRouter) {
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body := map[string]interface{}{}
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHTTPServer_Status(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hs := NewHTTPServer(":0", pingRoutes{}, func() map[string]interface{} {
		return map[string]interface{}{"online_count": 2, "can_proceed": true}
	})
	code, _ := get(t, hs.Handler(), "/ping")
	require.Equal(t, http.StatusOK, code)

	code, body := get(t, hs.Handler(), "/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "online", body["status"])
	require.Contains(t, body, "participants")

	code, body = get(t, hs.Handler(), "/status/online")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["online_count"])
}

func TestHTTPServer_NoRoster(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hs := NewHTTPServer(":0", pingRoutes{}, nil)
	code, body := get(t, hs.Handler(), "/status")
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, body, "participants")

	code, _ = get(t, hs.Handler(), "/status/online")
	require.Equal(t, http.StatusNotFound, code)
}
