package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

func tokenServer(t *testing.T, calls *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	return tokenServerWithExpiry(t, calls, delay, 3600)
}

func tokenServerWithExpiry(t *testing.T, calls *atomic.Int32, delay time.Duration, expiresIn int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["client_secret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_CachesToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 0)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	first, err := ts.Token(t.Context())
	require.NoError(t, err)
	second, err := ts.Token(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "token-1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenSource_RefetchesAfterExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 0)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	now := time.Now()
	ts.now = func() time.Time { return now }

	_, err := ts.Token(t.Context())
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	token, err := ts.Token(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "token-2", token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenSource_ConcurrentRefreshIsSingleFlight(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 50*time.Millisecond)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	const workers = 10
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Refresh(t.Context(), "")
			assert.NoError(t, err)
			tokens[i] = tok
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestTokenSource_RefreshSkipsWhenAlreadyReplaced(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 0)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	current, err := ts.Token(t.Context())
	require.NoError(t, err)

	tok, err := ts.Refresh(t.Context(), "some-older-token")
	require.NoError(t, err)
	assert.Equal(t, current, tok)
	assert.Equal(t, int32(1), calls.Load())

	tok, err = ts.Refresh(t.Context(), current)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestTokenSource_RejectedCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 0)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "wrong")

	_, err := ts.Token(t.Context())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreUnauthorized))
}

func TestTokenSource_MissingExpiryStillCaches(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServerWithExpiry(t, &calls, 0, 0)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	now := time.Now()
	ts.now = func() time.Time { return now }

	first, err := ts.Token(t.Context())
	require.NoError(t, err)
	now = now.Add(minTokenLifetime / 2)
	second, err := ts.Token(t.Context())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(minTokenLifetime)
	third, err := ts.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "token-2", third)
}

func TestTokenSource_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, 100*time.Millisecond)
	ts := NewTokenSource(srv.Client(), srv.URL, "client", "s3cret")

	shortCtx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		_, err := ts.Refresh(shortCtx, "")
		firstErr <- err
	}()

	// let the short-lived caller start the shared request
	time.Sleep(5 * time.Millisecond)
	tok, err := ts.Refresh(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	err = <-firstErr
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStoreTransient))
	assert.Equal(t, int32(1), calls.Load())
}
