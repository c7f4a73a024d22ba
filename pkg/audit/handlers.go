package audit

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/httputil"
)

// Handlers provides HTTP handlers for the audit log API. The caller identity is
// read from the request context (see WithActor).
type Handlers struct {
	query  *QueryService
	eraser *Eraser
	logger logrus.FieldLogger
}

// NewHandlers creates new audit handlers. A nil eraser leaves the erasure route
// unregistered.
func NewHandlers(query *QueryService, eraser *Eraser, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{query: query, eraser: eraser, logger: logger}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/v1/audit/events/{id}", h.getEvent).Methods(http.MethodGet)
	router.HandleFunc("/v1/audit/stats", h.getStats).Methods(http.MethodGet)
	if h.eraser != nil {
		router.HandleFunc("/v1/audit/erasures", h.erase).Methods(http.MethodPost)
	}
}

// listEvents handles GET /v1/audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	page, err := parsePagination(r)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	order := Sort{Field: SortField(q.Get("sort")), Order: SortOrder(q.Get("order"))}

	result, err := h.query.Search(r.Context(), actorOf(r), filter, page, order)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, result) //nolint:errcheck
}

// getEvent handles GET /v1/audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	view, err := h.query.Get(r.Context(), actorOf(r), id)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, view) //nolint:errcheck
}

// getStats handles GET /v1/audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	stats, err := h.query.Stats(r.Context(), actorOf(r), from, to)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, stats) //nolint:errcheck
}

type erasureRequest struct {
	SubjectID string `json:"subject_id"`
}

// erase handles POST /v1/audit/erasures
func (h *Handlers) erase(w http.ResponseWriter, r *http.Request) {
	var req erasureRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}

	result, err := h.eraser.EraseSubject(r.Context(), actorOf(r), req.SubjectID)
	if err != nil {
		httputil.WriteAPIError(w, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, result) //nolint:errcheck
}

// ParseFilter reads the search filter from query parameters. The organization is
// never taken from the query; an explicit organization_id is kept only so the query
// service can refuse a mismatch.
func ParseFilter(r *http.Request) (Filter, error) {
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		return Filter{}, err
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		return Filter{}, err
	}

	q := r.URL.Query()
	f := Filter{
		OrganizationID: q.Get("organization_id"),
		From:           from,
		To:             to,
		Search:         q.Get("search"),
		ActorID:        q.Get("actor_id"),
		Actions:        httputil.ParseQueryList(r, "action"),
		Resources:      httputil.ParseQueryList(r, "resource"),
		Outcomes:       convertList[Outcome](httputil.ParseQueryList(r, "outcome")),
		Categories:     convertList[Category](httputil.ParseQueryList(r, "category")),
		Types:          convertList[EventType](httputil.ParseQueryList(r, "type")),
		Severities:     convertList[Severity](httputil.ParseQueryList(r, "severity")),
	}
	return f, nil
}

func parsePagination(r *http.Request) (Pagination, error) {
	page, err := httputil.ParseQueryInt(r, "page", 1, errcode.InvalidPagination)
	if err != nil {
		return Pagination{}, err
	}
	size, err := httputil.ParseQueryInt(r, "page_size", DefaultPageSize, errcode.InvalidPagination)
	if err != nil {
		return Pagination{}, err
	}
	// zero means "unset" to Normalize, so an explicit zero is rejected here
	if page < 1 || size < 1 {
		return Pagination{}, errcode.New(errcode.InvalidPagination, "page and page_size must be positive")
	}
	return Pagination{Page: page, PageSize: size}, nil
}

func actorOf(r *http.Request) Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

func convertList[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}
