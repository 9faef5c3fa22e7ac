// Package handler holds the REST surface of the gateway.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teleop-gateway/internal/protocol"
)

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(err error) int {
	switch protocol.KindOf(err) {
	case protocol.KindUnauthorized:
		return http.StatusForbidden
	case protocol.KindInvalidCommand, protocol.KindProtocolViolation:
		return http.StatusBadRequest
	case protocol.KindSourceUnavailable, protocol.KindBusy:
		return http.StatusServiceUnavailable
	case protocol.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error, commandID string) {
	body := gin.H{
		"error":   protocol.KindOf(err),
		"message": protocol.ReasonOf(err),
	}
	if commandID != "" {
		body["command_id"] = commandID
	}
	c.JSON(StatusFor(err), body)
}
