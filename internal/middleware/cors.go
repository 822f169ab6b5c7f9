package middleware

import (
	"bufio"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/cors"

	"github.com/coah80/bgm/internal/logging"
)

// CORSOriginsFile lists allowed origins, one per line.
const CORSOriginsFile = "cors-origins.txt"

// LoadCORS restricts origins to the ones in path. Without the file every
// origin is allowed and credentials are disabled.
func LoadCORS(path string, logger *log.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger).WithPrefix("cors")
	origins := loadCORSOrigins(path)

	if len(origins) > 0 {
		logger.Info("loaded origins", "count", len(origins), "file", path)
		return cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Content-Disposition", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           86400,
		})
	}

	logger.Warn("no origins file found, allowing all origins with credentials disabled", "file", path)
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

func loadCORSOrigins(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}
