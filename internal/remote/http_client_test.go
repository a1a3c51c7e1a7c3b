package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dkarlsson/habitsync/internal/errors"
	"github.com/dkarlsson/habitsync/internal/models"
)

func staticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func newClient(t *testing.T, handler http.Handler, token TokenProvider) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(HTTPClientOptions{
		BaseURL: server.URL,
		Token:   token,
		Timeout: 2 * time.Second,
	})
}

func TestPushBatchSendsBearerTokenAndDecodesResults(t *testing.T) {
	var gotAuth string
	var gotBody struct {
		Mutations []models.MutationRecord `json:"mutations"`
	}

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(BatchResult{
			Results: []RecordResult{{ID: "abc", Applied: true}},
		})
	}), staticToken("tok-123"))

	result, err := client.PushBatch(context.Background(), []*models.MutationRecord{
		{ID: "abc", EntityKind: "habit", Payload: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	require.Len(t, gotBody.Mutations, 1)
	assert.Equal(t, models.UUID("abc"), gotBody.Mutations[0].ID)
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Applied)
}

func TestPushBatchRateLimitedCarriesRetryAfter(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	result, err := client.PushBatch(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncRateLimited, apperrors.Code(err))
	assert.Equal(t, 30*time.Second, apperrors.RetryAfter(err))
	require.NotNil(t, result)
	assert.Equal(t, 30*time.Second, result.RetryAfter)
}

func TestPullChangesRateLimitedCarriesRetryAfter(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	// The pull returns no result struct, so the typed error is the only
	// channel for the server's advertised delay.
	_, err := client.PullChanges(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncRateLimited, apperrors.Code(err))
	assert.Equal(t, 5*time.Second, apperrors.RetryAfter(err))
}

func TestPushBatchRateLimitedDefaultsRetryAfter(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	result, err := client.PushBatch(context.Background(), nil)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 60*time.Second, result.RetryAfter)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode apperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrSyncAuthFailed},
		{"forbidden", http.StatusForbidden, apperrors.ErrSyncAuthFailed},
		{"server error", http.StatusInternalServerError, apperrors.ErrSyncServer},
		{"bad gateway", http.StatusBadGateway, apperrors.ErrSyncServer},
		{"unexpected", http.StatusConflict, apperrors.ErrSyncFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}), nil)

			_, err := client.PullChanges(context.Background(), 0, 10)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.Code(err))
		})
	}
}

func TestPullChangesPassesCursorAndDecodesFeed(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("since"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(models.ChangeFeed{
			Changes: []models.ChangeEntry{
				{Cursor: 43, EntityKind: "habit", Operation: models.OperationCreate, EntityID: "abc"},
			},
			NextCursor: 43,
			HasMore:    true,
		})
	}), nil)

	feed, err := client.PullChanges(context.Background(), 42, 10)
	require.NoError(t, err)
	require.Len(t, feed.Changes, 1)
	assert.Equal(t, int64(43), feed.NextCursor)
	assert.True(t, feed.HasMore)
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // refuse all connections

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, Timeout: time.Second})

	_, err := client.PullChanges(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncNetwork, apperrors.Code(err))
}

func TestContextDeadlineIsTimeoutError(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.PullChanges(ctx, 0, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncTimeout, apperrors.Code(err))
}

func TestTokenProviderFailureIsAuthError(t *testing.T) {
	client := newClient(t, http.NotFoundHandler(), func(context.Context) (string, error) {
		return "", assert.AnError
	})

	_, err := client.PullChanges(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncAuthFailed, apperrors.Code(err))
}
