package aiservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
)

func TestExtractPostsMessages(t *testing.T) {
	var got extractRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, jsonx.DecodeRequest(r, &got))
		_, _ = w.Write([]byte(`{"Layer4":[]}`))
	}))
	defer srv.Close()

	o := New(srv.URL+"/", time.Second, zaptest.NewLogger(t))
	body, err := o.Extract(context.Background(), extractor.Request{
		UserID:        "asha",
		FocusFactType: "phone_number",
		Messages:      []facts.Message{{ID: "m1", Sender: "User", Text: "call me"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"Layer4":[]}`, string(body))
	assert.Equal(t, "asha", got.UserID)
	assert.Equal(t, "phone_number", got.FocusFactType)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m1", got.Messages[0].ID)
	assert.NotEmpty(t, got.Prompt)
}

func TestExtractClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := New(srv.URL, time.Second, nil)
	_, err := o.Extract(context.Background(), extractor.Request{UserID: "asha"})

	var svcErr *facts.ExtractionServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.True(t, svcErr.Retryable)
	assert.Equal(t, 7*time.Second, svcErr.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, svcErr.StatusCode)
}

func TestExtractBadRequestIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Extract(context.Background(), extractor.Request{UserID: "asha"})
	var svcErr *facts.ExtractionServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.False(t, svcErr.Retryable)
}

func TestExtractUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second, nil).Extract(context.Background(), extractor.Request{UserID: "asha"})
	assert.True(t, facts.IsRetryable(err))
}
