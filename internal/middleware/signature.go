package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/callbridge/pbx-bridge-go/internal/audit"
	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/httputil"
	"github.com/callbridge/pbx-bridge-go/internal/webhook"
)

type contextKey string

const RawBodyContextKey contextKey = "rawBody"

// GetRawBody returns the verified request body.
func GetRawBody(ctx context.Context) []byte {
	body, _ := ctx.Value(RawBodyContextKey).([]byte)
	return body
}

type WebhookSignatureMiddleware struct {
	secret    string
	header    string
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookSignatureMiddleware(secret, header string, tolerance time.Duration) *WebhookSignatureMiddleware {
	return &WebhookSignatureMiddleware{
		secret:    secret,
		header:    header,
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (m *WebhookSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Warn().Err(err).Msg("webhook signature middleware: failed to read body")
			httputil.WriteError(w, apperrors.InvalidInput("body", "could not be read"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if m.secret == "" {
			log.Warn().Msg("webhook signature verification bypassed: WEBHOOK_SECRET is not configured")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventSignatureBypassed})
		} else if err := webhook.Verify(body, r.Header.Get(m.header), m.secret, m.tolerance, m.now()); err != nil {
			code := apperrors.GetCode(err)
			log.Warn().Str("code", string(code)).Msg("webhook signature middleware: request rejected")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventSignatureRejected,
				Details: map[string]interface{}{"reason": string(code)},
			})
			httputil.WriteError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), RawBodyContextKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
