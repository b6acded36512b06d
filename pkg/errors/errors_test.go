package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewValidationError("port is required")
	assert.Equal(t, "VALIDATION_ERROR: port is required", err.Error())

	cause := stderrors.New("strconv: invalid syntax")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "caused by")
	assert.ErrorIs(t, err, cause)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err      *AppError
		wantType ErrorType
		wantCode string
	}{
		{NewValidationError("m"), ErrorTypeValidation, "VALIDATION_ERROR"},
		{NewConfigurationError("m"), ErrorTypeConfiguration, "CONFIGURATION_ERROR"},
		{NewNotFoundError("widget"), ErrorTypeNotFound, "NOT_FOUND"},
		{NewConflictError("m"), ErrorTypeConflict, "CONFLICT"},
		{NewRateLimitError("m"), ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED"},
		{NewInternalError("m"), ErrorTypeInternal, "INTERNAL_ERROR"},
		{NewExternalError("svc", "m"), ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR"},
		{NewTimeoutError("op"), ErrorTypeTimeout, "TIMEOUT"},
		{NewUnavailableError("queue"), ErrorTypeUnavailable, "RESOURCE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(string(tt.wantType), func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.True(t, IsType(tt.err, tt.wantType))
		})
	}
}

func TestExternalError_CarriesService(t *testing.T) {
	err := NewExternalError("payments", "upstream 502")
	assert.Equal(t, "payments", err.Details["service"])
}

func TestWithDetail(t *testing.T) {
	err := NewNotFoundError("resource").WithDetail("resource_type", "memory")
	assert.Equal(t, "memory", err.Details["resource_type"])
}

func TestTypeHelpers(t *testing.T) {
	require.True(t, IsNotFound(NewNotFoundError("x")))
	assert.False(t, IsNotFound(NewInternalError("x")))
	assert.False(t, IsNotFound(stderrors.New("plain")))

	assert.Equal(t, ErrorTypeTimeout, GetType(NewTimeoutError("op")))
	assert.Equal(t, ErrorTypeInternal, GetType(stderrors.New("plain")))
	assert.Equal(t, "UNKNOWN_ERROR", GetCode(stderrors.New("plain")))
}
