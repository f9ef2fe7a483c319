package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/models", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path      string
		requestID string
		level     string
	}{
		{"/healthz", "", "DEBUG"},
		{"/boom", "", "ERROR"},
		{"/missing", "", "WARN"},
		{"/models", "req-42", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.requestID != "" {
				req.Header.Set(RequestIDHeader, tt.requestID)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			echoed := w.Header().Get(RequestIDHeader)
			if echoed == "" {
				t.Fatal("response carries no request id")
			}
			if tt.requestID != "" && echoed != tt.requestID {
				t.Errorf("request id = %q, want %q", echoed, tt.requestID)
			}

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("decode log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["request_id"] != echoed {
				t.Errorf("logged request id = %v, want %s", entry["request_id"], echoed)
			}
			if entry["path"] != tt.path {
				t.Errorf("path = %v", entry["path"])
			}
		})
	}
}

func TestRequestLogger_RecordsOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(RequestLogger(logger))
	authed := r.Group("/")
	authed.Use(AuthMiddleware("s3cret"))
	authed.POST("/tasks/scrape", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	token, err := IssueToken("s3cret", "ops", 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/tasks/scrape", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["operator"] != "ops" {
		t.Errorf("operator = %v, want ops", entry["operator"])
	}
}
