// Package api serves the evidence HTTP API and the MCP tool surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/kalambet/exhibit/internal/detect"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/metrics"
	"github.com/kalambet/exhibit/internal/processor"
	"github.com/kalambet/exhibit/internal/storage"
)

// Version is reported by the banner and health endpoints.
const Version = "1.0.0"

// DefaultMaxUploadBytes caps a single uploaded video.
const DefaultMaxUploadBytes = 2 << 30

// Jobs is the ledger view the API reads and prunes.
type Jobs interface {
	Get(id string) (ledger.Job, error)
	List(f ledger.ListFilter) ([]ledger.Job, int)
	Delete(id string) error
	Watch(id string) (<-chan ledger.Job, func(), error)
	Counts() map[ledger.Status]int
}

// Submitter schedules and cancels analysis jobs.
type Submitter interface {
	Submit(ctx context.Context, req processor.Request) (string, error)
	Cancel(id string) error
	Active() int
}

// Archive is the durable summary store consulted once a job has left the
// ledger.
type Archive interface {
	GetEvidence(ctx context.Context, id string) (storage.EvidenceRecord, error)
	ListEvidence(ctx context.Context, deviceID string, limit, offset int) ([]storage.EvidenceRecord, error)
	CountEvidence(ctx context.Context, deviceID string) (int, error)
	DeleteEvidence(ctx context.Context, id string) error
}

// Deps holds the collaborators of the HTTP API. Archive, Detector, Limiter
// and Metrics are optional.
type Deps struct {
	Jobs      Jobs
	Processor Submitter
	Archive   Archive
	Detector  detect.HealthChecker
	Limiter   *rate.Limiter
	Metrics   *metrics.Metrics
	Token     string
	UploadDir string
	// MaxUploadBytes defaults to DefaultMaxUploadBytes.
	MaxUploadBytes int64
	Logger         *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// NewRouter returns the full HTTP surface. Everything under /api/v1 requires
// the bearer token.
func NewRouter(deps Deps) http.Handler {
	deps = deps.withDefaults()

	r := chi.NewRouter()
	r.Get("/", handleRoot)
	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api/v1/evidence", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/upload", handleUpload(deps))
		r.Get("/list", handleList(deps))
		r.Get("/{id}/progress", handleProgress(deps))
		r.Get("/{id}/results", handleResults(deps))
		r.Get("/{id}/events", handleEvents(deps))
		r.Post("/{id}/cancel", handleCancel(deps))
		r.Delete("/{id}", handleDelete(deps))
	})

	return r
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "exhibit evidence analysis",
		"version": Version,
		"status":  "operational",
	})
}

type detectorHealth struct {
	Reachable    bool     `json:"reachable"`
	Status       string   `json:"status,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Detector  *detectorHealth       `json:"detector,omitempty"`
	Jobs      map[ledger.Status]int `json:"jobs"`
	Active    int                   `json:"active"`
}

// handleHealth reports "degraded" when the detector sidecar is unreachable;
// the service still accepts uploads in that state.
func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			Version:   Version,
			Timestamp: time.Now().UTC(),
			Jobs:      deps.Jobs.Counts(),
			Active:    deps.Processor.Active(),
		}
		if deps.Detector != nil {
			h, err := deps.Detector.Health(r.Context())
			dh := &detectorHealth{Reachable: err == nil, Status: h.Status, Capabilities: h.Capabilities}
			if err != nil {
				dh.Error = err.Error()
				resp.Status = "degraded"
			}
			resp.Detector = dh
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
