package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/models"
	"go.uber.org/zap"
)

// statusFor maps domain errors onto HTTP status codes. Lock timeouts,
// deadlocks and serialization failures that outlived the retries are 503 so
// clients retry. Anything unrecognised is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrEmptyOrder),
		errors.Is(err, models.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrCannotCancelCompleted),
		errors.Is(err, models.ErrCartConverted),
		errors.Is(err, models.ErrNotPayable),
		errors.Is(err, models.ErrNotFailable),
		errors.Is(err, database.ErrOptimisticLockFailed):
		return http.StatusConflict
	case database.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		switch status {
		case http.StatusInternalServerError:
			c.JSON(status, gin.H{"error": "internal error"})
			return
		case http.StatusServiceUnavailable:
			c.JSON(status, gin.H{"error": "temporarily unavailable, retry"})
			return
		}
	}

	body := gin.H{"error": err.Error()}
	var te *models.TransitionError
	if errors.As(err, &te) {
		body["from"] = te.From
		body["to"] = te.To
	}
	c.JSON(status, body)
}
