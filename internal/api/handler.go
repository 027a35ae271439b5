package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/djlord-it/easyflow/internal/domain"
	"github.com/djlord-it/easyflow/internal/engine"
	"github.com/djlord-it/easyflow/internal/jobs"
	"github.com/djlord-it/easyflow/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Engine is the write side of the execution core.
type Engine interface {
	ScheduleJob(ctx context.Context, def jobs.Definition) (scheduler.ScheduledJob, error)
	DeleteJob(ctx context.Context, tenant domain.TenantID, name string) (bool, error)
	PublishMessage(ctx context.Context, tenant domain.TenantID, name string, values []string) (domain.MessageInstance, error)
	WaitFor(ctx context.Context, tenant domain.TenantID, name string, values []string, flowNode uuid.UUID) (domain.WaitingEvent, error)
	CancelWait(ctx context.Context, id uuid.UUID) (bool, error)
}

type Scheduler interface {
	Jobs(tenant domain.TenantID) []scheduler.ScheduledJob
	Lookup(tenant domain.TenantID, name string) (scheduler.ScheduledJob, bool)
	PauseJobs(ctx context.Context, tenant domain.TenantID) error
	ResumeJobs(ctx context.Context, tenant domain.TenantID) error
	IsPaused(tenant domain.TenantID) bool
	IsStarted() bool
}

type Dispatcher interface {
	IsStopped() bool
	NotifyNodeStopped(ctx context.Context, node string) (int, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type LeaderStatus interface {
	IsLeader() bool
}

type Handler struct {
	engine     Engine
	scheduler  Scheduler
	dispatcher Dispatcher
	node       string
	db         HealthChecker // optional
	leader     LeaderStatus  // optional, nil = single node
	logger     *slog.Logger
}

func NewHandler(e Engine, s Scheduler, d Dispatcher, node string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     e,
		scheduler:  s,
		dispatcher: d,
		node:       node,
		logger:     logger.With("component", "api"),
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithLeaderStatus(l LeaderStatus) *Handler {
	h.leader = l
	return h
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	if c.Query("verbose") != "true" {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	if h.dispatcher.IsStopped() {
		resp.Status = "degraded"
		resp.Components["dispatcher"] = "stopped"
	} else {
		resp.Components["dispatcher"] = "running"
	}

	status := http.StatusOK
	if resp.Status == "degraded" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (h *Handler) Status(c *gin.Context) {
	resp := StatusResponse{
		Node:       h.node,
		Scheduler:  "stopped",
		Dispatcher: "stopped",
		Leader:     h.leader == nil || h.leader.IsLeader(),
	}
	if h.scheduler.IsStarted() {
		resp.Scheduler = "started"
	}
	if !h.dispatcher.IsStopped() {
		resp.Dispatcher = "running"
	}
	c.JSON(http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// bindJSON decodes the request body into v. It writes the error response
// and returns false on failure.
func bindJSON(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func tenantParam(c *gin.Context) (domain.TenantID, bool) {
	tenant, err := domain.ParseTenantID(c.Param("tenant"))
	if err != nil || tenant <= 0 {
		writeError(c, http.StatusBadRequest, "invalid tenant")
		return 0, false
	}
	return tenant, true
}

func (h *Handler) CreateJob(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	var req CreateJobRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateCreateJob(req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.engine.ScheduleJob(c.Request.Context(), req.definition(tenant))
	switch {
	case errors.Is(err, scheduler.ErrAlreadyExists):
		writeError(c, http.StatusConflict, "job already exists")
		return
	case isBadRequest(err):
		writeError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("create job failed", "tenant", tenant, "job", req.Name, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to create job")
		return
	}

	c.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *Handler) ListJobs(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	limit, offset, err := parsePagination(c.Request)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	all := h.scheduler.Jobs(tenant)
	page := all[min(offset, len(all)):min(offset+limit, len(all))]

	resp := ListJobsResponse{
		Jobs:   make([]JobResponse, len(page)),
		Paused: h.scheduler.IsPaused(tenant),
	}
	for i, j := range page {
		resp.Jobs[i] = toJobResponse(j)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetJob(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	job, found := h.scheduler.Lookup(tenant, c.Param("name"))
	if !found {
		writeError(c, http.StatusNotFound, "job not found")
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *Handler) DeleteJob(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	name := c.Param("name")

	deleted, err := h.engine.DeleteJob(c.Request.Context(), tenant, name)
	if err != nil {
		h.logger.Error("delete job failed", "tenant", tenant, "job", name, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to delete job")
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "job not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PauseTenant(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *Handler) ResumeTenant(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *Handler) setPaused(c *gin.Context, paused bool) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}

	op := h.scheduler.ResumeJobs
	if paused {
		op = h.scheduler.PauseJobs
	}
	if err := op(c.Request.Context(), tenant); err != nil {
		h.logger.Error("tenant state change failed", "tenant", tenant, "paused", paused, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to update tenant")
		return
	}
	c.JSON(http.StatusOK, TenantStateResponse{Tenant: tenant.String(), Paused: h.scheduler.IsPaused(tenant)})
}

func (h *Handler) PublishMessage(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	var req PublishMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateCorrelation(req.Name, req.CorrelationValues); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.engine.PublishMessage(c.Request.Context(), tenant, req.Name, req.CorrelationValues)
	if err != nil {
		h.logger.Error("publish message failed", "tenant", tenant, "name", req.Name, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to publish message")
		return
	}
	c.JSON(http.StatusAccepted, toMessageResponse(msg))
}

func (h *Handler) CreateWaitingEvent(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	var req WaitRequest
	if !bindJSON(c, &req) {
		return
	}
	flowNode, err := validateWait(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := h.engine.WaitFor(c.Request.Context(), tenant, req.Name, req.CorrelationValues, flowNode)
	if err != nil {
		h.logger.Error("create waiting event failed", "tenant", tenant, "name", req.Name, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to create waiting event")
		return
	}
	c.JSON(http.StatusCreated, toWaitingEventResponse(ev))
}

func (h *Handler) DeleteWaitingEvent(c *gin.Context) {
	if _, ok := tenantParam(c); !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid waiting event id")
		return
	}

	deleted, err := h.engine.CancelWait(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("delete waiting event failed", "waiting_event", id, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to delete waiting event")
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "waiting event not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// NodeStopped abandons the work claimed by a node that left the cluster so
// the reconciler re-emits it.
func (h *Handler) NodeStopped(c *gin.Context) {
	node := c.Param("node")
	n, err := h.dispatcher.NotifyNodeStopped(c.Request.Context(), node)
	if err != nil {
		h.logger.Error("notify node stopped failed", "node", node, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to abandon node work")
		return
	}
	c.JSON(http.StatusOK, NodeStoppedResponse{Node: node, Abandoned: n})
}

func isBadRequest(err error) bool {
	return errors.Is(err, jobs.ErrUnknownImplementation) ||
		errors.Is(err, domain.ErrInvalidTrigger) ||
		errors.Is(err, domain.ErrDuplicateParameter) ||
		errors.Is(err, scheduler.ErrInvalidJob) ||
		errors.Is(err, engine.ErrInvalidRequest)
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
