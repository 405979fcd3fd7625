package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware())
	r.GET("/calls/:key", ValidateUUIDParam("key"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("key"))
	})
	r.GET("/escalations/:id", ValidateULIDParam("id"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("id"))
	})
	return r
}

func TestValidateParams(t *testing.T) {
	r := newTestRouter()
	tests := []struct {
		path string
		want int
	}{
		{"/calls/6ba7b810-9dad-11d1-80b4-00c04fd430c8", http.StatusOK},
		{"/calls/6ba7b8109dad11d180b400c04fd430c8", http.StatusBadRequest},
		{"/calls/not-a-key", http.StatusBadRequest},
		{"/escalations/01ARZ3NDEKTSV4RRFFQ69G5FAV", http.StatusOK},
		{"/escalations/01arz3ndektsv4rrffq69g5fav", http.StatusOK},
		{"/escalations/123", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestTraceMiddleware_EchoesCallerTraceID(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/calls/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil)
	req.Header.Set(traceIDHeader, "abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(traceIDHeader); got != "abc123" {
		t.Fatalf("expected caller trace id, got %q", got)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestIdempotencyMiddleware_NoRedisPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hits := 0
	r.POST("/x", IdempotencyMiddleware(nil), func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(idempotencyKeyHeader, "k")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	if hits != 2 {
		t.Fatalf("expected handler to run twice without redis, got %d", hits)
	}
}
