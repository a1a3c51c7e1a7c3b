package errors

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorFormatting(t *testing.T) {
	plain := New(ErrSyncNetwork, "connection refused")
	assert.Equal(t, "[SYNC_NETWORK] connection refused", plain.Error())

	wrapped := Wrap(ErrSyncServer, "push failed", stderrors.New("status 503"))
	assert.Equal(t, "[SYNC_SERVER] push failed: status 503", wrapped.Error())
	assert.EqualError(t, wrapped.Unwrap(), "status 503")
}

func TestIsMatchesCode(t *testing.T) {
	err := New(ErrSyncRateLimited, "too many requests")

	assert.True(t, Is(err, ErrSyncRateLimited))
	assert.False(t, Is(err, ErrSyncNetwork))
	assert.False(t, Is(stderrors.New("plain"), ErrSyncRateLimited))
}

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, ErrSyncAuthFailed, Code(New(ErrSyncAuthFailed, "expired")))
	assert.Equal(t, ErrInternal, Code(stderrors.New("plain")))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited("too many requests", 30*time.Second)

	assert.Equal(t, ErrSyncRateLimited, Code(err))
	assert.Equal(t, 30*time.Second, RetryAfter(err))

	// Errors without a window report zero.
	assert.Equal(t, time.Duration(0), RetryAfter(New(ErrSyncServer, "boom")))
	assert.Equal(t, time.Duration(0), RetryAfter(stderrors.New("plain")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrSyncNetwork, true},
		{ErrSyncTimeout, true},
		{ErrSyncRateLimited, true},
		{ErrSyncServer, true},
		{ErrSyncAuthFailed, false},
		{ErrSyncInvalidID, false},
		{ErrValidation, false},
		{ErrDatabase, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.code), "code %s", tt.code)
	}
}
