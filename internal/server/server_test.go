package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/middleware"
	"github.com/coah80/bgm/internal/routes"
	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

func newTestRouter(t *testing.T, limiter *middleware.RateLimiter) http.Handler {
	t.Helper()
	fs := afero.NewMemMapFs()
	placer := services.NewPlacer(fs, "/srv/uploads", 1<<20)
	gate := services.NewGate(services.GateConfig{Root: "/srv/uploads", MaxConcurrent: 1, MaxUploadSize: 1 << 20},
		services.WithDiskProbe(func(string) (util.DiskSpaceInfo, error) { return util.DiskSpaceInfo{}, nil }))
	cfg := config.Default()

	return NewRouter(Options{
		Config: &cfg,
		Deps: &routes.Deps{
			Uploader:  services.NewUploader(gate, placer, nil, "http://localhost:3001"),
			Placer:    placer,
			Gate:      gate,
			Version:   "test",
			StartedAt: time.Now(),
		},
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		RateLimiter: limiter,
		CORSFile:    filepath.Join(t.TempDir(), "none.txt"),
	})
}

func TestRouterSecurityHeaders(t *testing.T) {
	r := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterMetrics(t *testing.T) {
	r := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestRateLimitOnlyGuardsVideoRoutes(t *testing.T) {
	r := newTestRouter(t, middleware.NewRateLimiter(1, time.Minute))

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.1.1.1:1000"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNotFound, get("/api/video/download/2025-09-29_x.mp3"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/video/download/2025-09-29_x.mp3"))
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/health"))
}

func TestNewServerAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Port = "4000"
	srv := New(Options{Config: &cfg, Deps: &routes.Deps{}, CORSFile: filepath.Join(t.TempDir(), "none.txt")})
	assert.Equal(t, ":4000", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.ReadHeaderTimeout)
}

func TestPadVersion(t *testing.T) {
	assert.Equal(t, "1.0       ", padVersion("1.0"))
	assert.Equal(t, "1.0.0-rc.10", padVersion("1.0.0-rc.10"))
}
