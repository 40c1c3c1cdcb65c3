package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	eventdomain "github.com/hookwise/entitled/internal/event/domain"
	"github.com/hookwise/entitled/internal/signature"
	"go.uber.org/zap"
)

// maxWebhookBody bounds inbound payload reads; processor events are small.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	tenantID, err := tenantIDFromPath(c)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.eventSvc.IngestWebhook(c.Request.Context(), tenantID, payload, c.GetHeader(signature.Header))
	if err != nil {
		switch {
		case errors.Is(err, eventdomain.ErrSignatureMissing),
			errors.Is(err, eventdomain.ErrSignatureInvalid),
			errors.Is(err, eventdomain.ErrInvalidPayload),
			errors.Is(err, eventdomain.ErrInvalidEvent):
			AbortWithError(c, err)
		default:
			// The delivery was authentic; never make the processor retry
			// because our own storage hiccuped.
			s.log.Error("webhook ingest failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"received": true,
				"error":    "Processing error",
			})
		}
		return
	}

	c.Set("event_type", result.EventType)
	c.JSON(http.StatusOK, gin.H{
		"received":   true,
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"processed":  result.Processed,
	})
}

func tenantIDFromPath(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("tenant_id"))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return 0, ErrInvalidRequest
	}
	return snowflake.ID(parsed), nil
}
