package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/middleware"
	"github.com/coah80/bgm/internal/routes"
)

// Options wires the HTTP surface. Metrics and RateLimiter are optional.
type Options struct {
	Config      *config.Config
	Deps        *routes.Deps
	Metrics     http.Handler
	RateLimiter *middleware.RateLimiter
	CORSFile    string
	Logger      *log.Logger
}

func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(middleware.LoadCORS(opts.CORSFile, opts.Logger))

	routes.CoreRoutes(r, opts.Deps)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Handler)
		}
		routes.VideoRoutes(r, opts.Deps)
	})

	return r
}

// New returns the server. Read and write timeouts stay unset because
// uploads and downloads stream large bodies.
func New(opts Options) *http.Server {
	return &http.Server{
		Addr:              ":" + opts.Config.Port,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func PrintBanner() {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │         bgm %s           │
  │   video to audio upload server   │
  └──────────────────────────────────┘
`, padVersion(config.Version))
}

func padVersion(v string) string {
	for len(v) < 10 {
		v += " "
	}
	return v
}
