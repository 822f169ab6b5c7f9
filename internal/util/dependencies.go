package util

import (
	"fmt"
	"os/exec"

	"github.com/charmbracelet/log"
)

// CheckDependencies reports whether the external tools the service shells
// out to are installed. A missing ffmpeg does not stop the server: uploads
// still succeed and extraction failures are logged.
func CheckDependencies(ffmpegPath string, logger *log.Logger) error {
	deps := []struct {
		name     string
		required bool
	}{
		{ffmpegPath, true},
	}

	var missing error
	for _, dep := range deps {
		path, err := exec.LookPath(dep.name)
		if err != nil {
			if dep.required {
				logger.Error("✗ dependency not found (REQUIRED)", "name", dep.name)
				missing = fmt.Errorf("%s not found: %w", dep.name, err)
			} else {
				logger.Warn("- dependency not found (optional)", "name", dep.name)
			}
			continue
		}
		logger.Info("✓ dependency found", "name", dep.name, "path", path)
	}
	return missing
}
