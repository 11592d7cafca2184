package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
)

const (
	defaultTimeout = 10 * time.Second
	searchMaxSize  = 5
	maxErrorBody   = 64 << 10
)

// Client is the REST implementation of Store.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *TokenSource
}

// NewClient builds a REST store client. Without a client id requests are sent
// unauthenticated.
func NewClient(baseURL, clientID, clientSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	baseURL = strings.TrimRight(baseURL, "/")

	c := &Client{
		http:    httpClient,
		baseURL: baseURL,
	}
	if clientID != "" {
		c.tokens = NewTokenSource(httpClient, baseURL+"/auth/token", clientID, clientSecret)
	}
	return c
}

func (c *Client) CreateRecord(ctx context.Context, entity string, attrs Attributes) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(entity), attrs, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", apperrors.StoreTransient("create "+entity, errors.New("response carried no id"))
	}
	return out.ID, nil
}

func (c *Client) UpdateRecord(ctx context.Context, entity, id string, attrs Attributes) error {
	return c.do(ctx, http.MethodPut, "/"+url.PathEscape(entity)+"/"+url.PathEscape(id), attrs, nil)
}

func (c *Client) GetRecord(ctx context.Context, entity, id string) (Attributes, error) {
	var out Attributes
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(entity)+"/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LinkRecord(ctx context.Context, entity, id, link, relatedID string) error {
	path := "/" + url.PathEscape(entity) + "/" + url.PathEscape(id) + "/" + url.PathEscape(link)
	return c.do(ctx, http.MethodPost, path, map[string]string{"id": relatedID}, nil)
}

func (c *Client) SearchByField(ctx context.Context, entity, field, value string) ([]Attributes, error) {
	q := url.Values{}
	q.Set("where[0][type]", "equals")
	q.Set("where[0][attribute]", field)
	q.Set("where[0][value]", value)
	q.Set("maxSize", fmt.Sprint(searchMaxSize))

	var out struct {
		List []Attributes `json:"list"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(entity)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	op := method + " " + path
	token := ""
	if c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return err
		}
	}

	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		resp.Body.Close()
		log.Info().Str("op", op).Msg("record store rejected token, re-authenticating")

		if token, err = c.tokens.Refresh(ctx, token); err != nil {
			return err
		}
		if resp, err = c.send(ctx, method, path, payload, token); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.StoreTransient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Dur("elapsed", time.Since(start)).
			Msg("record store request error")
		return nil, apperrors.StoreTransient(method+" "+path, err)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("record store request")

	return resp, nil
}

type errorBody struct {
	Message string   `json:"message"`
	Fields  []string `json:"fields"`
}

func classify(op string, resp *http.Response) error {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	message := eb.Message
	if message == "" {
		message = fmt.Sprintf("%s failed with status %d", op, status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.StoreUnauthorized(message)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return apperrors.StoreTransient(op, fmt.Errorf("status %d: %s", status, message))
	default:
		return apperrors.StoreValidation(message, eb.Fields)
	}
}
