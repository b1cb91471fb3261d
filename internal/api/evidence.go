package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/exhibit/internal/evidence"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/processor"
	"github.com/kalambet/exhibit/internal/storage"
)

// multipartMemory is how much of an upload is buffered before spilling to
// temporary files.
const multipartMemory = 32 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type uploadForm struct {
	DeviceID     string `validate:"required,max=128,printascii"`
	EvidenceType string `validate:"required,max=32,alphanum"`
	Location     string `validate:"max=256"`
}

type uploadResponse struct {
	EvidenceID  string `json:"evidence_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	ProgressURL string `json:"progress_url"`
}

// progressView is the status snapshot served by /progress and pushed over
// /events.
type progressView struct {
	EvidenceID  string        `json:"evidence_id"`
	Status      ledger.Status `json:"status"`
	Progress    float64       `json:"progress"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error_message,omitempty"`
}

func newProgressView(j ledger.Job) progressView {
	return progressView{
		EvidenceID:  j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.Error,
	}
}

// resultEnvelope wraps a finished summary with its submission metadata.
type resultEnvelope struct {
	EvidenceID   string           `json:"evidence_id"`
	DeviceID     string           `json:"device_id"`
	EvidenceType string           `json:"evidence_type,omitempty"`
	Location     string           `json:"location,omitempty"`
	Results      evidence.Summary `json:"processing_results"`
	CompletedAt  time.Time        `json:"processing_completed_at"`
	FilePath     string           `json:"file_path"`
	Archived     bool             `json:"archived,omitempty"`
}

func envelopeFromJob(j ledger.Job) resultEnvelope {
	env := resultEnvelope{
		EvidenceID:   j.ID,
		DeviceID:     j.DeviceID,
		EvidenceType: j.EvidenceType,
		Location:     j.Location,
		Results:      *j.Result,
		FilePath:     j.SourcePath,
	}
	if j.CompletedAt != nil {
		env.CompletedAt = *j.CompletedAt
	}
	return env
}

func envelopeFromRecord(rec storage.EvidenceRecord) resultEnvelope {
	return resultEnvelope{
		EvidenceID:   rec.ID,
		DeviceID:     rec.DeviceID,
		EvidenceType: rec.EvidenceType,
		Location:     rec.Location,
		Results:      rec.Summary,
		CompletedAt:  rec.Summary.ProducedAt,
		FilePath:     rec.SourcePath,
		Archived:     true,
	}
}

type listItem struct {
	EvidenceID   string        `json:"evidence_id"`
	Status       ledger.Status `json:"status"`
	Progress     float64       `json:"progress"`
	DeviceID     string        `json:"device_id"`
	EvidenceType string        `json:"evidence_type,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitzero"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
}

type listResponse struct {
	Total    int        `json:"total"`
	Skip     int        `json:"skip"`
	Limit    int        `json:"limit"`
	Evidence []listItem `json:"evidence"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Limiter != nil && !deps.Limiter.Allow() {
			deps.Metrics.UploadRejected()
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many uploads, retry later")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooBig.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		form := uploadForm{
			DeviceID:     formValue(r, "device_id", "unknown"),
			EvidenceType: formValue(r, "evidence_type", "video"),
			Location:     formValue(r, "location", ""),
		}
		if err := validate.Struct(form); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid upload metadata: %v", err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		path, err := saveUpload(deps.UploadDir, header.Filename, file)
		if err != nil {
			deps.Logger.Error("saving upload failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload")
			return
		}

		id, err := deps.Processor.Submit(r.Context(), processor.Request{
			Path:         path,
			DeviceID:     form.DeviceID,
			EvidenceType: form.EvidenceType,
			Location:     form.Location,
		})
		if err != nil {
			os.Remove(path)
			switch {
			case errors.Is(err, processor.ErrSourceUnreadable):
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "video could not be opened: %v", err)
			case errors.Is(err, processor.ErrShuttingDown):
				httpError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "failed to schedule analysis: %v", err)
			}
			return
		}

		writeJSON(w, http.StatusAccepted, uploadResponse{
			EvidenceID:  id,
			Status:      "uploaded",
			Message:     "evidence uploaded and processing started",
			ProgressURL: "/api/v1/evidence/" + id + "/progress",
		})
	}
}

func formValue(r *http.Request, key, def string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return def
}

// saveUpload writes the stream to <dir>/<uuid>_<name>.
func saveUpload(dir, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+cleanFilename(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return name
}

func handleProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.Get(chi.URLParam(r, "id"))
		if errors.Is(err, ledger.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "evidence not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get evidence: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newProgressView(job))
	}
}

func handleResults(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Jobs.Get(id)
		switch {
		case err == nil:
			writeJobResult(w, job)
			return
		case !errors.Is(err, ledger.ErrNotFound):
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get evidence: %v", err)
			return
		}

		if deps.Archive != nil {
			rec, err := deps.Archive.GetEvidence(r.Context(), id)
			if err == nil {
				writeJSON(w, http.StatusOK, envelopeFromRecord(rec))
				return
			}
			if !errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to read archive: %v", err)
				return
			}
		}
		httpError(w, http.StatusNotFound, "not_found", "evidence not found or processing not completed")
	}
}

func writeJobResult(w http.ResponseWriter, job ledger.Job) {
	switch job.Status {
	case ledger.StatusCompleted:
		if job.Result == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "completed job has no summary")
			return
		}
		writeJSON(w, http.StatusOK, envelopeFromJob(job))
	case ledger.StatusFailed:
		httpError(w, http.StatusInternalServerError, "processing_failed", "processing failed: %s", job.Error)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"evidence_id": job.ID,
			"status":      job.Status,
			"message":     "analysis is still in progress",
			"progress":    job.Progress,
		})
	}
}

func handleList(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skip := parseIntParam(r, "skip", 0, 0)
		limit := parseIntParam(r, "limit", 50, 200)

		raw := r.URL.Query().Get("status")
		if raw == "" {
			raw = r.URL.Query().Get("status_filter")
		}
		status, err := ledger.ParseStatus(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		if archived, _ := strconv.ParseBool(r.URL.Query().Get("archived")); archived {
			listArchived(w, r, deps, status, skip, limit)
			return
		}

		jobs, total := deps.Jobs.List(ledger.ListFilter{Status: status, Offset: skip, Limit: limit})
		items := make([]listItem, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, listItem{
				EvidenceID:   j.ID,
				Status:       j.Status,
				Progress:     j.Progress,
				DeviceID:     j.DeviceID,
				EvidenceType: j.EvidenceType,
				CreatedAt:    j.CreatedAt,
				CompletedAt:  j.CompletedAt,
			})
		}
		writeJSON(w, http.StatusOK, listResponse{Total: total, Skip: skip, Limit: limit, Evidence: items})
	}
}

// listArchived pages through the durable archive, which keeps summaries of
// jobs retention has already evicted from the ledger. Archived evidence is
// always completed.
func listArchived(w http.ResponseWriter, r *http.Request, deps Deps, status ledger.Status, skip, limit int) {
	if deps.Archive == nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "no evidence archive is configured")
		return
	}
	resp := listResponse{Skip: skip, Limit: limit, Evidence: []listItem{}}
	if status != "" && status != ledger.StatusCompleted {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	device := r.URL.Query().Get("device_id")
	total, err := deps.Archive.CountEvidence(r.Context(), device)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to count archived evidence: %v", err)
		return
	}
	recs, err := deps.Archive.ListEvidence(r.Context(), device, limit, skip)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list archived evidence: %v", err)
		return
	}

	resp.Total = total
	for _, rec := range recs {
		completed, archivedAt := rec.Summary.ProducedAt, rec.ArchivedAt
		resp.Evidence = append(resp.Evidence, listItem{
			EvidenceID:   rec.ID,
			Status:       ledger.StatusCompleted,
			Progress:     1,
			DeviceID:     rec.DeviceID,
			EvidenceType: rec.EvidenceType,
			CompletedAt:  &completed,
			ArchivedAt:   &archivedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Processor.Cancel(id)
		if err == nil {
			writeJSON(w, http.StatusAccepted, map[string]string{"evidence_id": id, "status": "cancelling"})
			return
		}
		if !errors.Is(err, processor.ErrNotRunning) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel: %v", err)
			return
		}
		job, gerr := deps.Jobs.Get(id)
		if gerr != nil {
			httpError(w, http.StatusNotFound, "not_found", "evidence not found")
			return
		}
		httpError(w, http.StatusConflict, "conflict", "evidence is already %s", job.Status)
	}
}

// handleDelete removes every trace of the evidence: the ledger entry, the
// archived summary and the uploaded file. Running jobs are cancelled first.
func handleDelete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		found := false
		var sourcePath string

		job, err := deps.Jobs.Get(id)
		if err == nil {
			found = true
			sourcePath = job.SourcePath
			if !job.Status.Terminal() {
				if cerr := deps.Processor.Cancel(id); cerr != nil && !errors.Is(cerr, processor.ErrNotRunning) {
					deps.Logger.Warn("cancel before delete failed", "job_id", id, "error", cerr)
				}
			}
			if err := deps.Jobs.Delete(id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete job: %v", err)
				return
			}
		}

		if deps.Archive != nil {
			if rec, err := deps.Archive.GetEvidence(r.Context(), id); err == nil && sourcePath == "" {
				sourcePath = rec.SourcePath
			}
			err := deps.Archive.DeleteEvidence(r.Context(), id)
			switch {
			case err == nil:
				found = true
			case !errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete archived evidence: %v", err)
				return
			}
		}

		if !found {
			httpError(w, http.StatusNotFound, "not_found", "evidence not found")
			return
		}

		removeUpload(deps, sourcePath)
		writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("evidence %s deleted", id)})
	}
}

// removeUpload deletes path only when it lies inside the upload directory;
// videos submitted by path are never touched.
func removeUpload(deps Deps, path string) {
	if path == "" || deps.UploadDir == "" {
		return
	}
	rel, err := filepath.Rel(deps.UploadDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		deps.Logger.Warn("removing upload failed", "path", path, "error", err)
	}
}

// RemoveUpload is the retention hook: it deletes an evicted job's upload
// when the file lives in uploadDir.
func RemoveUpload(uploadDir string, job ledger.Job) {
	removeUpload(Deps{UploadDir: uploadDir}.withDefaults(), job.SourcePath)
}
