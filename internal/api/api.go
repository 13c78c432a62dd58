// Package api serves a read-only dashboard over the managed queues.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
	"github.com/you/jobq/internal/storage"
)

const (
	defaultArchiveLimit = 50
	// maxPageSize caps how many jobs one listing request may read.
	maxPageSize = 1000
)

// FailedJobLister reads the failed-job archive.
type FailedJobLister interface {
	ListFailedJobs(ctx context.Context, queueID string, limit int) ([]storage.FailedJob, error)
}

type Options struct {
	// Index lists queue ids started by any process sharing the Redis.
	Index *queue.Index
	// Archive enables the archive endpoint when set.
	Archive FailedJobLister
	Logger  *zap.Logger
}

type Handler struct {
	manager *queuemanager.Manager
	opts    Options
	logger  *zap.Logger
}

func New(manager *queuemanager.Manager, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{manager: manager, opts: opts, logger: opts.Logger.Named("api")}
}

func (h *Handler) Routes() chi.Router {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	rtr.Get("/v1/queues", h.listQueues)
	rtr.Route("/v1/queues/{queueID}", func(rtr chi.Router) {
		rtr.Get("/count", h.countJobs)
		rtr.Get("/jobs", h.listJobs)
		rtr.Get("/jobs/{jobID}", h.getJob)
		if h.opts.Archive != nil {
			rtr.Get("/archive", h.listArchive)
		}
	})
	return rtr
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		h.logger.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(req.Context())),
		)
	})
}

type queueView struct {
	ID            string `json:"id"`
	DashboardName string `json:"dashboardName"`
}

type queuesResponse struct {
	Queues     []queueView `json:"queues"`
	Discovered []string    `json:"discovered,omitempty"`
}

func (h *Handler) listQueues(w http.ResponseWriter, req *http.Request) {
	resp := queuesResponse{Queues: []queueView{}}
	for _, id := range h.manager.QueueIDs() {
		resp.Queues = append(resp.Queues, queueView{ID: id, DashboardName: h.manager.DashboardQueueName(id)})
	}
	if h.opts.Index != nil {
		ids, err := h.opts.Index.List(req.Context())
		if err != nil {
			h.fail(w, err)
			return
		}
		resp.Discovered = ids
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) countJobs(w http.ResponseWriter, req *http.Request) {
	queueID := chi.URLParam(req, "queueID")
	n, err := h.manager.GetJobCount(req.Context(), queueID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueId": queueID, "count": n})
}

type jobView struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        domain.State    `json:"state,omitempty"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	Attempts     int             `json:"attempts"`
	Progress     int             `json:"progress"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Logs         []string        `json:"logs,omitempty"`
}

func newJobView(j *queue.Job) jobView {
	v := jobView{
		ID:           j.ID,
		Name:         j.Name,
		Data:         j.Data,
		AttemptsMade: j.AttemptsMade,
		Attempts:     j.Attempts(),
		Progress:     j.Progress,
		ReturnValue:  j.ReturnValue,
		FailedReason: j.FailedReason,
		CreatedAt:    j.Timestamp,
	}
	if !j.ProcessedOn.IsZero() {
		v.ProcessedAt = &j.ProcessedOn
	}
	if !j.FinishedOn.IsZero() {
		v.FinishedAt = &j.FinishedOn
	}
	return v
}

type jobsResponse struct {
	Jobs    []jobView `json:"jobs"`
	HasMore bool      `json:"hasMore"`
}

// listJobs pages through jobs. state is a comma separated list and defaults
// to every pending state; start and end are inclusive indexes, and the
// window is capped at maxPageSize jobs.
func (h *Handler) listJobs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	states := domain.PendingStates
	if raw := q.Get("state"); raw != "" {
		states = nil
		for _, s := range strings.Split(raw, ",") {
			states = append(states, domain.State(strings.TrimSpace(s)))
		}
	}
	start, err := intParam(q.Get("start"), 0)
	if err != nil {
		h.fail(w, err)
		return
	}
	end, err := intParam(q.Get("end"), queuemanager.DefaultPageEnd)
	if err != nil {
		h.fail(w, err)
		return
	}
	if end >= start && end-start+1 > maxPageSize {
		end = start + maxPageSize - 1
	}
	asc := q.Get("asc") == "true"

	page, err := h.manager.GetJobsInQueue(req.Context(), chi.URLParam(req, "queueID"), states, start, end, asc)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := jobsResponse{Jobs: make([]jobView, 0, len(page.Jobs)), HasMore: page.HasMore}
	for _, j := range page.Jobs {
		resp.Jobs = append(resp.Jobs, newJobView(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	qu, err := h.manager.GetQueue(ctx, chi.URLParam(req, "queueID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	j, err := qu.GetJob(ctx, chi.URLParam(req, "jobID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	v := newJobView(j)
	if v.State, err = j.State(ctx); err != nil {
		h.fail(w, err)
		return
	}
	if v.Logs, err = qu.GetJobLogs(ctx, j.ID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) listArchive(w http.ResponseWriter, req *http.Request) {
	queueID := chi.URLParam(req, "queueID")
	if _, ok := h.manager.Registry().Get(queueID); !ok {
		h.fail(w, queuemanager.ErrUnknownQueue)
		return
	}
	limit, err := intParam(req.URL.Query().Get("limit"), defaultArchiveLimit)
	if err != nil {
		h.fail(w, err)
		return
	}
	limit = min(limit, maxPageSize)
	jobs, err := h.opts.Archive.ListFailedJobs(req.Context(), queueID, int(limit))
	if err != nil {
		h.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []storage.FailedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

var errBadParam = errors.New("invalid query parameter")

func intParam(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(errBadParam, "%q", raw)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queuemanager.ErrUnknownQueue), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidStates), errors.Is(err, queue.ErrInvalidRange), errors.Is(err, errBadParam):
		return http.StatusBadRequest
	case errors.Is(err, queuemanager.ErrQueueNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
