package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/incident-command-service/internal/config"
	"github.com/richardliu001/incident-command-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.CommandService, rl config.RateLimitConfig, idem config.IdempotencyConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	r.Use(IdempotencyKeyMiddleware(idem.HeaderName, idem.MinKeyLength))
	RegisterHandlers(r, svc, log)
	return r
}
