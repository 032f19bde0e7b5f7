package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/richardliu001/incident-command-service/internal/repo"
	"github.com/richardliu001/incident-command-service/internal/service"
	"go.uber.org/zap"
)

// SourceHeader lets trusted internal callers mark their commands as internal.
const SourceHeader = "X-Command-Source"

func RegisterHandlers(r *gin.Engine, svc *service.CommandService, log *zap.SugaredLogger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/occurrences", createOccurrenceHandler(svc, log))
		v1.GET("/occurrences", listOccurrencesHandler(svc, log))
		v1.POST("/occurrences/:id/start", startOccurrenceHandler(svc, log))
		v1.POST("/occurrences/:id/resolve", resolveOccurrenceHandler(svc, log))
		v1.POST("/occurrences/:id/dispatches", createDispatchHandler(svc, log))
		v1.POST("/dispatches/:id/close", closeDispatchHandler(svc, log))
		v1.PATCH("/dispatches/:id/status", updateDispatchStatusHandler(svc, log))
		v1.GET("/commands/:id", commandStatusHandler(svc, log))
	}
}

// writeError maps service errors to status codes.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var dup *service.DuplicateCommandError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate command", "command_id": dup.CommandID})
	case errors.Is(err, repo.ErrIdempotencyConflict):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOccurrenceAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrOccurrenceNotFound), errors.Is(err, service.ErrCommandNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrUnsupportedCommandType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func sourceOf(c *gin.Context) model.CommandSource {
	if model.CommandSource(c.GetHeader(SourceHeader)) == model.SourceInternal {
		return model.SourceInternal
	}
	return model.SourceExternal
}

type createOccurrenceReq struct {
	ExternalID  string `json:"external_id" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description"`
	ReportedAt  string `json:"reported_at" binding:"required"`
}

func createOccurrenceHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOccurrenceReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := time.Parse(time.RFC3339, req.ReportedAt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reported_at"})
			return
		}
		accepted, err := svc.CreateOccurrence(c, service.CreateOccurrenceInput{
			ExternalID:  req.ExternalID,
			Type:        req.Type,
			Description: req.Description,
			ReportedAt:  req.ReportedAt,
		}, c.GetString(idempotencyKeyCtx), model.SourceExternal)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

func startOccurrenceHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accepted, err := svc.StartOccurrence(c, c.Param("id"), c.GetString(idempotencyKeyCtx), sourceOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

func resolveOccurrenceHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accepted, err := svc.ResolveOccurrence(c, c.Param("id"), c.GetString(idempotencyKeyCtx), sourceOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

type createDispatchReq struct {
	ResourceCode string `json:"resource_code" binding:"required"`
}

func createDispatchHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createDispatchReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		accepted, err := svc.CreateDispatch(c, c.Param("id"), req.ResourceCode, c.GetString(idempotencyKeyCtx), sourceOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

func closeDispatchHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accepted, err := svc.CloseDispatch(c, c.Param("id"), c.GetString(idempotencyKeyCtx), sourceOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

type updateDispatchStatusReq struct {
	StatusCode string `json:"status_code" binding:"required"`
}

func updateDispatchStatusHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateDispatchStatusReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		accepted, err := svc.UpdateDispatchStatus(c, c.Param("id"), req.StatusCode, c.GetString(idempotencyKeyCtx), sourceOf(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

func commandStatusHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.GetCommandStatus(c, c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

type listOccurrencesQuery struct {
	Status string `form:"status"`
	Type   string `form:"type"`
	Limit  int    `form:"limit" binding:"omitempty,min=1"`
	Page   int    `form:"page" binding:"omitempty,min=1"`
}

func listOccurrencesHandler(svc *service.CommandService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q listOccurrencesQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		list, err := svc.ListOccurrences(c, model.OccurrenceFilter{
			Status: q.Status,
			Type:   q.Type,
			Limit:  q.Limit,
			Page:   q.Page,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}
