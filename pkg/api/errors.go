package api

import (
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/log"
	"github.com/mediaforge/foreman/pkg/storage"
)

// ErrorEnvelope is the structured error body returned on failures.
type ErrorEnvelope struct {
	Code          string      `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id"`
	RetryAfter    int         `json:"retry_after,omitempty"`
	Details       interface{} `json:"details,omitempty"`
}

// writeError maps a service error onto the HTTP envelope. Version conflicts
// carry the current persisted task under details.current so the caller can
// reconcile.
func writeError(c *gin.Context, err error) {
	correlationID := CorrelationID(c)
	env := ErrorEnvelope{
		Message:       err.Error(),
		CorrelationID: correlationID,
	}

	var status int
	switch {
	case isVersionConflict(c, err, &env):
		status = http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		status = http.StatusBadRequest
		env.Code = "validation"
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
		env.Code = "not_found"
	case errdefs.IsPermissionDenied(err):
		status = http.StatusForbidden
		env.Code = "forbidden"
	case errdefs.IsFailedPrecondition(err):
		status = http.StatusConflict
		env.Code = "invalid_transition"
	case errdefs.IsConflict(err):
		status = http.StatusConflict
		env.Code = "conflict"
	case errdefs.IsUnauthorized(err):
		status = http.StatusUnauthorized
		env.Code = "unauthenticated"
	case errdefs.IsUnavailable(err):
		status = http.StatusServiceUnavailable
		env.Code = "transient"
		env.RetryAfter = 1
	default:
		status = http.StatusInternalServerError
		env.Code = "internal"
		// Never leak internals on unexpected failures.
		env.Message = "internal server error"
		logger := log.WithCorrelationID(correlationID)
		logger.Error().Err(err).Msg("request failed")
	}

	c.AbortWithStatusJSON(status, env)
}

func isVersionConflict(c *gin.Context, err error, env *ErrorEnvelope) bool {
	vc, ok := storage.IsVersionConflict(err)
	if !ok {
		return false
	}
	env.Code = "version_conflict"
	env.Details = gin.H{"current": vc.Current}
	return true
}
