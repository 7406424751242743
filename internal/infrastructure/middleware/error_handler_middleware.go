package middleware

import (
	"net/http"

	"callcore/pkg/errors"
	"callcore/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last error attached to the gin context
// into a structured response. Call engine errors are mapped through
// errors.FromDomain.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		appErr := errors.FromDomain(err)

		ctx := c.Request.Context()
		if room := c.Param("id"); room != "" {
			ctx = logger.WithRoomID(ctx, room)
		}
		reqLog := cl.Sugar(ctx)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			reqLog.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			reqLog.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
