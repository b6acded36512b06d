package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resilix/resilix/pkg/errors"
)

// SuccessResponse writes a successful JSON response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// ErrorResponse writes an error JSON response with a status derived from
// the error type
func ErrorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfiguration:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeRateLimit:
		status = http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrorTypeUnavailable:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
