package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/hookwise/entitled/internal/entitlement/domain"
	eventdomain "github.com/hookwise/entitled/internal/event/domain"
	tenantdomain "github.com/hookwise/entitled/internal/tenant/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, eventdomain.ErrSignatureMissing):
		return http.StatusUnauthorized, errorPayload{
			Type:    "authentication_error",
			Code:    "missing_signature",
			Message: "signature header is missing",
		}
	case errors.Is(err, eventdomain.ErrSignatureInvalid):
		return http.StatusUnauthorized, errorPayload{
			Type:    "authentication_error",
			Code:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, eventdomain.ErrInvalidPayload),
		errors.Is(err, eventdomain.ErrInvalidEvent),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, eventdomain.ErrEventAlreadyProcessed),
		errors.Is(err, eventdomain.ErrRetryNotAllowed),
		errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Code:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, eventdomain.ErrEventNotFound),
		errors.Is(err, entitlementdomain.ErrNotFound),
		errors.Is(err, tenantdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	_ = status
	return payload.Type, payload.Code
}
