package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

const (
	// Tokens are treated as expired this long before the server says so.
	tokenExpirySkew = 30 * time.Second
	// A token is cached at least this long, even when the server reports a
	// shorter or missing expires_in.
	minTokenLifetime = time.Minute
	// Bound on one token request, independent of whichever caller started it.
	tokenRequestTimeout = 15 * time.Second
)

// TokenSource holds the shared bearer token for the record store. Refreshes
// are single-flight: concurrent callers wait for the one in-flight request.
type TokenSource struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
	now       func() time.Time
}

func NewTokenSource(client *http.Client, tokenURL, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		client:       client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// Token returns the cached token, fetching a new one if none is held or the
// held one has expired.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	token, expiresAt := ts.token, ts.expiresAt
	ts.mu.RUnlock()

	if token != "" && ts.now().Before(expiresAt) {
		return token, nil
	}
	return ts.Refresh(ctx, token)
}

// Refresh replaces stale with a freshly issued token. If another caller has
// already replaced stale, its token is returned without a new request.
func (ts *TokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	ts.mu.RLock()
	current, expiresAt := ts.token, ts.expiresAt
	ts.mu.RUnlock()
	if current != "" && current != stale && ts.now().Before(expiresAt) {
		return current, nil
	}

	// The request outlives any single waiter so one cancelled caller does
	// not fail the others sharing it.
	ch := ts.group.DoChan("token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRequestTimeout)
		defer cancel()
		return ts.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperrors.StoreTransient("authenticate", ctx.Err())
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (ts *TokenSource) fetch(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", apperrors.StoreTransient("authenticate", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperrors.StoreUnauthorized(fmt.Sprintf("token request rejected with status %d", resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", apperrors.StoreTransient("authenticate", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", apperrors.StoreUnauthorized(fmt.Sprintf("token request failed with status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", apperrors.StoreTransient("authenticate", fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return "", apperrors.StoreUnauthorized("token response carried no access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew
	if lifetime < minTokenLifetime {
		lifetime = minTokenLifetime
	}

	ts.mu.Lock()
	ts.token = tr.AccessToken
	ts.expiresAt = ts.now().Add(lifetime)
	ts.mu.Unlock()

	log.Info().Int("expiresIn", tr.ExpiresIn).Msg("record store token refreshed")

	return tr.AccessToken, nil
}
