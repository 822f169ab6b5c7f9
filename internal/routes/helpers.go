package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/coah80/bgm/internal/logging"
	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

// Deps are the collaborators the handlers need.
type Deps struct {
	Uploader  *services.Uploader
	Placer    *services.Placer
	Gate      *services.Gate
	Logger    *log.Logger
	Version   string
	StartedAt time.Time
}

func (d *Deps) logger() *log.Logger {
	return logging.OrDiscard(d.Logger)
}

// envelope is the body of every /api response.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Success bool        `json:"success"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondOK(w http.ResponseWriter, message string, data interface{}) {
	respondJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Message: message, Data: data, Success: true})
}

// respondError maps err onto a status and a client-safe message. Causes are
// logged, never sent.
func respondError(w http.ResponseWriter, logger *log.Logger, err error) {
	status := util.StatusOf(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		logger.Error("request failed", "kind", util.KindOf(err), "err", err)
	case status == http.StatusServiceUnavailable:
		logger.Warn("request refused", "err", err)
	default:
		logger.Debug("request rejected", "status", status, "err", err)
	}
	respondJSON(w, status, envelope{Code: status, Message: util.ToUserError(err), Success: false})
}

func respondFail(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, envelope{Code: status, Message: message, Success: false})
}
