package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hookwise/entitled/pkg/db/pagination"
)

func (s *Server) HandleRetryEvent(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.eventSvc.RetryOne(c.Request.Context(), snowflake.ID(parsed))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":   true,
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"processed":  result.Processed,
	})
}

func (s *Server) HandleListFailedEvents(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	limit := page.PageSize
	if limit <= 0 {
		limit = 10
	}
	if limit > 250 {
		limit = 250
	}

	events, counts, err := s.eventSvc.ListFailed(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"counts": counts,
	})
}
