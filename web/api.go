// Package web exposes the backfill orchestrator over a JSON HTTP API.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/yirzhou/backfill"
)

// Service is the part of the orchestrator the API drives.
type Service interface {
	CreateJob(ctx context.Context, req backfill.CreateJobRequest) (*backfill.Job, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	GetJob(ctx context.Context, jobID string) (*backfill.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (*backfill.JobStatusReport, error)
	ListJobs(ctx context.Context, filter *backfill.JobFilter) ([]*backfill.Job, error)
	PreviewJob(ctx context.Context, req backfill.CreateJobRequest) (*backfill.JobPreview, error)
	GetRateLimitConfig(ctx context.Context) backfill.RateLimitConfig
	UpdateRateLimitConfig(ctx context.Context, partial *backfill.RateLimitOverrides) (backfill.RateLimitConfig, error)
	RecoverIncompleteJobs(ctx context.Context) (*backfill.RecoveryResult, error)
	GetRecoveryStatus() backfill.RecoveryStatus
	CleanupOldJobs(ctx context.Context, retention time.Duration) (int, error)
}

var _ Service = (*backfill.Orchestrator)(nil)

type (
	RespStatus string

	// SimpleApiResp is the body of every error and of plain acknowledgements.
	SimpleApiResp struct {
		Status RespStatus `json:"status"`
		Msg    string     `json:"msg,omitempty"`
	}

	cancelResp struct {
		JobID     string `json:"job_id"`
		Cancelled bool   `json:"cancelled"`
	}

	cleanupResp struct {
		Deleted int `json:"deleted"`
	}
)

const (
	RespOK     RespStatus = "success"
	RespFailed RespStatus = "error"

	maxListLimit = 500
)

// RegisterAPI mounts the backfill routes under /api/v1/backfill and the
// Prometheus handler under /metrics.
func RegisterAPI(router *gin.Engine, svc Service) {
	group := router.Group("/api/v1/backfill")
	{
		group.POST("/jobs", func(ctx *gin.Context) { handleCreateJob(ctx, svc) })
		group.GET("/jobs", func(ctx *gin.Context) { handleListJobs(ctx, svc) })
		group.DELETE("/jobs", func(ctx *gin.Context) { handleCleanup(ctx, svc) })
		group.GET("/jobs/:id", func(ctx *gin.Context) { handleGetJob(ctx, svc) })
		group.GET("/jobs/:id/status", func(ctx *gin.Context) { handleGetJobStatus(ctx, svc) })
		group.POST("/jobs/:id/cancel", func(ctx *gin.Context) { handleCancelJob(ctx, svc) })
		group.POST("/preview", func(ctx *gin.Context) { handlePreview(ctx, svc) })
		group.GET("/ratelimit", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, svc.GetRateLimitConfig(ctx.Request.Context()))
		})
		group.PUT("/ratelimit", func(ctx *gin.Context) { handleUpdateRateLimit(ctx, svc) })
		group.GET("/recovery", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, svc.GetRecoveryStatus())
		})
		group.POST("/recovery", func(ctx *gin.Context) { handleRecover(ctx, svc) })
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewEngine returns a gin engine with recovery, request logging and the API.
func NewEngine(svc Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	RegisterAPI(router, svc)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		log.WithFields(log.Fields{
			"method": ctx.Request.Method,
			"path":   ctx.FullPath(),
			"status": ctx.Writer.Status(),
		}).Debug("Handled API request")
	}
}

// writeError maps orchestrator errors to HTTP statuses.
func writeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	var storageErr *backfill.StorageError
	switch {
	case errors.Is(err, backfill.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, backfill.ErrConflict):
		status = http.StatusConflict
		msg = backfill.ErrConflict.Error()
	case errors.Is(err, backfill.ErrDisposed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, backfill.ErrCollaboratorUnavailable):
		status = http.StatusBadGateway
	case errors.As(err, &storageErr):
		log.Errorf("Job store failure: %v", err)
		msg = "Failed to access the job store"
	default:
		log.Errorf("Unexpected API error: %v", err)
	}
	ctx.JSON(status, SimpleApiResp{Status: RespFailed, Msg: msg})
}

func bindRequest(ctx *gin.Context) (backfill.CreateJobRequest, bool) {
	var req backfill.CreateJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, SimpleApiResp{
			Status: RespFailed,
			Msg:    fmt.Sprintf("Invalid request body: %v", err),
		})
		return req, false
	}
	return req, true
}

func handleCreateJob(ctx *gin.Context, svc Service) {
	req, ok := bindRequest(ctx)
	if !ok {
		return
	}
	job, err := svc.CreateJob(ctx.Request.Context(), req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, job)
}

func handlePreview(ctx *gin.Context, svc Service) {
	req, ok := bindRequest(ctx)
	if !ok {
		return
	}
	preview, err := svc.PreviewJob(ctx.Request.Context(), req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, preview)
}

func splitQuery(ctx *gin.Context, key string) []string {
	var out []string
	for _, raw := range ctx.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseFilter(ctx *gin.Context) (*backfill.JobFilter, error) {
	filter := &backfill.JobFilter{}
	for _, s := range splitQuery(ctx, "status") {
		filter.Statuses = append(filter.Statuses, backfill.JobStatus(s))
	}
	for _, t := range splitQuery(ctx, "type") {
		jobType := backfill.JobType(t)
		if !jobType.Valid() {
			return nil, errors.Errorf("unknown job type %q", t)
		}
		filter.Types = append(filter.Types, jobType)
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := ctx.Query(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, errors.Errorf("%s must be a non-negative integer", key)
		}
		*dst = n
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return filter, nil
}

func handleListJobs(ctx *gin.Context, svc Service) {
	filter, err := parseFilter(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: err.Error()})
		return
	}
	jobs, err := svc.ListJobs(ctx.Request.Context(), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobs)
}

func jobNotFound(ctx *gin.Context, id string) {
	ctx.JSON(http.StatusNotFound, SimpleApiResp{
		Status: RespFailed,
		Msg:    fmt.Sprintf("Job %s not found", id),
	})
}

func handleGetJob(ctx *gin.Context, svc Service) {
	id := ctx.Param("id")
	job, err := svc.GetJob(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if job == nil {
		jobNotFound(ctx, id)
		return
	}
	ctx.JSON(http.StatusOK, job)
}

func handleGetJobStatus(ctx *gin.Context, svc Service) {
	id := ctx.Param("id")
	report, err := svc.GetJobStatus(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if report == nil {
		jobNotFound(ctx, id)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func handleCancelJob(ctx *gin.Context, svc Service) {
	id := ctx.Param("id")
	job, err := svc.GetJob(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if job == nil {
		jobNotFound(ctx, id)
		return
	}
	cancelled, err := svc.CancelJob(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if !cancelled {
		ctx.JSON(http.StatusConflict, SimpleApiResp{
			Status: RespFailed,
			Msg:    fmt.Sprintf("Job %s already finished", id),
		})
		return
	}
	ctx.JSON(http.StatusOK, cancelResp{JobID: id, Cancelled: true})
}

func handleUpdateRateLimit(ctx *gin.Context, svc Service) {
	var partial backfill.RateLimitOverrides
	if err := ctx.ShouldBindJSON(&partial); err != nil {
		ctx.JSON(http.StatusBadRequest, SimpleApiResp{
			Status: RespFailed,
			Msg:    fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}
	cfg, err := svc.UpdateRateLimitConfig(ctx.Request.Context(), &partial)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cfg)
}

func handleRecover(ctx *gin.Context, svc Service) {
	result, err := svc.RecoverIncompleteJobs(ctx.Request.Context())
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// handleCleanup deletes terminal jobs finished longer than older_than ago.
func handleCleanup(ctx *gin.Context, svc Service) {
	raw := ctx.Query("older_than")
	if raw == "" {
		ctx.JSON(http.StatusBadRequest, SimpleApiResp{Status: RespFailed, Msg: "older_than is required"})
		return
	}
	retention, err := time.ParseDuration(raw)
	if err != nil || retention < 0 {
		ctx.JSON(http.StatusBadRequest, SimpleApiResp{
			Status: RespFailed,
			Msg:    fmt.Sprintf("older_than must be a non-negative duration, got %q", raw),
		})
		return
	}
	n, err := svc.CleanupOldJobs(ctx.Request.Context(), retention)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, cleanupResp{Deleted: n})
}
