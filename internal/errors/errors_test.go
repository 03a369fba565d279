package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetServiceError_Unwraps(t *testing.T) {
	base := ProductNotFound("p1")
	wrapped := fmt.Errorf("handler: %w", base)

	got := GetServiceError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeProductNotFound, got.Code)
	assert.Equal(t, http.StatusNotFound, got.HTTPStatus)
	assert.Equal(t, "p1", got.Details["id"])

	assert.Nil(t, GetServiceError(New("plain")))
}

func TestWithDetails_DoesNotMutateOriginal(t *testing.T) {
	base := Forbidden("nope")
	withDetail := base.WithDetails("reason", "policy")

	assert.Nil(t, base.Details)
	assert.Equal(t, "policy", withDetail.Details["reason"])
}

func TestServiceError_ErrorIncludesCause(t *testing.T) {
	cause := New("boom")
	err := Internal("settle sale", cause)
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, Is(err, cause))
}

func TestStatusMapping(t *testing.T) {
	cases := map[*ServiceError]int{
		InvalidRequest("x"):         http.StatusBadRequest,
		Validation("x", nil):        http.StatusBadRequest,
		PaymentRequired("x"):        http.StatusPaymentRequired,
		PaymentFailed(nil):          http.StatusPaymentRequired,
		InsufficientBudget(nil):     http.StatusConflict,
		RateLimitExceeded(10, "1s"): http.StatusTooManyRequests,
		Internal("x", nil):          http.StatusInternalServerError,
	}
	for err, status := range cases {
		assert.Equal(t, status, err.HTTPStatus, string(err.Code))
	}
}
