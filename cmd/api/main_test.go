package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decorai/decorai-api/internal/config"
	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/middleware"
	"github.com/decorai/decorai-api/internal/pkg/jwt"
	"github.com/decorai/decorai-api/internal/realtime"
)

func testRouter(t *testing.T, files http.Handler) http.Handler {
	t.Helper()
	cfg := &config.Config{LocalStorageURL: "http://localhost:8080/files"}
	jwtService := jwt.NewService("test-secret", time.Minute)
	h := handlers{
		credits:     credit.NewHandler(nil),
		styles:      style.NewHandler(nil),
		generations: generation.NewHandler(nil),
		ws:          realtime.NewHandler(realtime.NewHub(nil), jwtService, nil),
		files:       files,
	}
	return newRouter(cfg, h, middleware.Auth(jwtService), middleware.InternalToken("service-token"))
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	testRouter(t, nil).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r := testRouter(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/generations"},
		{http.MethodGet, "/api/v1/generations/queue/stats"},
		{http.MethodGet, "/api/v1/credits/balance"},
		{http.MethodPost, "/internal/credits/grant"},
		{http.MethodGet, "/ws"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rr.Code)
			}
		})
	}
}

func TestLocalFilesServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "generations"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "generations", "job.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/generations/job.jpg", nil)
	rr := httptest.NewRecorder()
	testRouter(t, http.FileServer(http.Dir(dir))).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "jpeg" {
		t.Fatalf("expected stored file, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestFilesPrefix(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/files":    "/files",
		"https://api.decorai.app/media/": "/media",
		"http://localhost:8080":          "/files",
		"":                               "/files",
	}
	for in, want := range cases {
		if got := filesPrefix(in); got != want {
			t.Errorf("filesPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
