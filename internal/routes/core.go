package routes

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/coah80/bgm/internal/config"
)

func CoreRoutes(r chi.Router, d *Deps) {
	r.Get("/health", d.handleHealth)
	r.Get("/api/limits", d.handleLimits)
}

func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"version": d.Version,
		"uptime":  time.Since(d.StartedAt).Round(time.Second).String(),
		"uploads": map[string]int64{
			"inUse":    d.Gate.InUse(),
			"capacity": d.Gate.Capacity(),
		},
	}

	if ds, err := d.Gate.DiskSpace(); err == nil {
		status := "ok"
		if floor := d.Gate.MinFreeDisk(); floor > 0 && ds.Avail < floor {
			status = "low"
			body["status"] = "degraded"
		}
		body["disk"] = map[string]interface{}{
			"status": status,
			"free":   humanize.IBytes(ds.Avail),
			"used":   humanize.IBytes(ds.Used()),
			"total":  humanize.IBytes(ds.Total),
		}
	}

	respondJSON(w, http.StatusOK, body)
}

func (d *Deps) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondOK(w, "ok", map[string]interface{}{
		"maxUploadSize":        d.Gate.MaxUploadSize(),
		"maxUploadSizeHuman":   humanize.IBytes(uint64(d.Gate.MaxUploadSize())),
		"maxConcurrentUploads": d.Gate.Capacity(),
		"minFreeDisk":          humanize.IBytes(d.Gate.MinFreeDisk()),
		"allowedExtensions":    config.AllowedVideoExtensions,
		"audioExtension":       config.AudioExtension,
	})
}
