package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/service"
)

// statusFor maps service errors to HTTP statuses. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidUser):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrCartLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrInvalidCity),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrEmptyOrderNo):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrNotPayable),
		errors.Is(err, service.ErrNotCancelable),
		errors.Is(err, service.ErrOrderTimedOut),
		errors.Is(err, service.ErrOrderCanceled):
		return http.StatusConflict
	case errors.Is(err, service.ErrStoreBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithError writes {"error": ...}. Internal errors are logged and
// hidden behind fallback.
func abortWithError(c *gin.Context, logger *zap.Logger, err error, fallback string, extra gin.H) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		logger.Error(fallback,
			zap.String("path", c.FullPath()),
			zap.Error(err))
		body["error"] = fallback
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
