// Package handlers implements the HTTP surface of the API. This file holds
// the response helpers every endpoint goes through so errors always come back
// in the same envelope.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lvasilev/loglens-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope for every failing endpoint. Code is a
// stable machine-readable string (see errors.go); RequestID echoes
// X-Request-ID so a client error can be matched to server logs.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with an ErrorResponse. 5xx responses are also
// logged through the request-scoped logger; 4xx are the client's problem.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail exposes fail to packages outside handlers (router-level 404/405).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
