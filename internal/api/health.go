package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/whisper-queue/internal/ingest"
	"github.com/snarg/whisper-queue/internal/transcribe"
)

type HealthResponse struct {
	Status        string                  `json:"status"`
	Version       string                  `json:"version"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Checks        map[string]string       `json:"checks"`
	Jobs          map[string]int64        `json:"jobs,omitempty"`
	Worker        *transcribe.WorkerStats `json:"worker,omitempty"`
	Watcher       *ingest.WatcherStatus   `json:"watcher,omitempty"`
}

// HealthSources is what the health endpoint inspects. Nil fields report
// "not_configured".
type HealthSources struct {
	Store   interface{ HealthCheck(ctx context.Context) error }
	Counts  func(ctx context.Context) (map[string]int64, error)
	Engine  interface{ Status() transcribe.EngineState }
	Worker  interface{ Stats() transcribe.WorkerStats }
	MQTT    interface{ IsConnected() bool }
	Watcher interface{ Status() ingest.WatcherStatus }
}

type HealthHandler struct {
	src       HealthSources
	version   string
	startTime time.Time
}

func NewHealthHandler(src HealthSources, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{src: src, version: version, startTime: startTime}
}

// ServeHTTP reports 503 only when the database is down; engine, worker and
// MQTT trouble degrade the status.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	if err := h.src.Store.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Engine check
	if h.src.Engine != nil {
		st := h.src.Engine.Status()
		checks["engine"] = string(st)
		if st == transcribe.StateFailed {
			degrade()
		}
	} else {
		checks["engine"] = "not_configured"
	}

	resp := HealthResponse{Version: h.version, Checks: checks}

	// Worker check
	if h.src.Worker != nil {
		ws := h.src.Worker.Stats()
		resp.Worker = &ws
		if ws.Running {
			checks["worker"] = "running"
		} else {
			checks["worker"] = "stopped"
			degrade()
		}
	} else {
		checks["worker"] = "not_configured"
	}

	// MQTT check
	if h.src.MQTT != nil {
		if h.src.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.src.Watcher != nil {
		ws := h.src.Watcher.Status()
		resp.Watcher = &ws
		checks["file_watcher"] = ws.Status
	}

	if h.src.Counts != nil && checks["database"] == "ok" {
		if counts, err := h.src.Counts(r.Context()); err == nil {
			resp.Jobs = counts
		}
	}

	resp.Status = status
	resp.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	WriteJSON(w, httpStatus, resp)
}
