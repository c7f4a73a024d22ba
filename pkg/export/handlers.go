package export

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/audit"
	"github.com/platinummonkey/auditkeep/pkg/httputil"
)

// Handlers exposes the export lifecycle over HTTP
type Handlers struct {
	manager *Manager
	logger  logrus.FieldLogger
}

// NewHandlers creates export handlers
func NewHandlers(manager *Manager, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{manager: manager, logger: logger}
}

// RegisterRoutes registers export routes. The download route authenticates by
// token alone.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/audit/exports", h.requestExport).Methods(http.MethodPost)
	router.HandleFunc("/v1/audit/exports/{id}", h.getStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/audit/downloads/{token}", h.download).Methods(http.MethodGet)
}

// requestExport handles POST /v1/audit/exports
func (h *Handlers) requestExport(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	actor, _ := audit.ActorFromContext(r.Context())
	job, err := h.manager.RequestExport(r.Context(), actor, req)
	if err != nil {
		var limited *RateLimitError
		if errors.As(err, &limited) {
			httputil.WriteRetryAfter(w, limited.RetryAfter)
		}
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	w.Header().Set("Location", "/v1/audit/exports/"+job.ID())
	httputil.WriteAccepted(w, job) //nolint:errcheck
}

// getStatus handles GET /v1/audit/exports/{id}
func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	actor, _ := audit.ActorFromContext(r.Context())
	job, err := h.manager.GetStatus(r.Context(), actor, id)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, h.manager.View(job)) //nolint:errcheck
}

// download handles GET /v1/audit/downloads/{token}
func (h *Handlers) download(w http.ResponseWriter, r *http.Request) {
	token, err := httputil.ParsePathString(r, "token")
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	file, body, err := h.manager.Download(r.Context(), token)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Cache-Control", "no-store")
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WithError(err).WithField("job_id", file.JobID).Warn("export download interrupted")
	}
}
