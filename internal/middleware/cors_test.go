package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func corsRouter(origins ...string) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	router.GET("/covers/:itemId", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{"listed origin", []string{"http://localhost:3000", "https://catalogue.example"}, "https://catalogue.example", "GET", "https://catalogue.example", http.StatusOK},
		{"unlisted origin", []string{"http://localhost:3000"}, "https://evil.example", "GET", "", http.StatusOK},
		{"no origin header", []string{"http://localhost:3000"}, "", "GET", "", http.StatusOK},
		{"wildcard echoes origin", []string{"*"}, "https://anywhere.example", "GET", "https://anywhere.example", http.StatusOK},
		{"preflight", []string{"http://localhost:3000"}, "http://localhost:3000", "OPTIONS", "http://localhost:3000", http.StatusNoContent},
		{"preflight from unlisted origin", []string{"http://localhost:3000"}, "https://evil.example", "OPTIONS", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/covers/item-1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			corsRouter(tt.origins...).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want Origin", got)
			}
		})
	}
}

func TestCORS_ExposesRedirectTarget(t *testing.T) {
	req := httptest.NewRequest("GET", "/covers/item-1", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	corsRouter("http://localhost:3000").ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "Location" {
		t.Errorf("Access-Control-Expose-Headers = %q", got)
	}
}
