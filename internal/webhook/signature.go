// Package webhook authenticates and decodes conversation-analytics webhooks.
package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/callbridge/pbx-bridge-go/internal/errors"
	"github.com/callbridge/pbx-bridge-go/internal/util"
)

const signatureVersion = "v0"

// Verify checks a `t=<unix>,v0=<hex hmac>` signature header against rawBody.
//
// An empty secret means verification is not configured and always succeeds;
// callers are expected to log that. Only staleness is checked: timestamps in
// the future are accepted.
func Verify(rawBody []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return nil
	}

	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apperrors.MalformedHeader("timestamp is not an integer")
	}
	if now.Unix()-unix > int64(tolerance/time.Second) {
		return apperrors.Expired()
	}

	expected := util.HmacSHA256(secret, ts+"."+string(rawBody))
	if !util.ConstantTimeEqual(expected, sig) {
		return apperrors.InvalidSignature()
	}
	return nil
}

// Sign builds a header value Verify accepts for body at time t.
func Sign(rawBody []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,%s=%s", ts, signatureVersion, util.HmacSHA256(secret, ts+"."+string(rawBody)))
}

func parseHeader(header string) (timestamp, signature string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case signatureVersion:
			signature = value
		}
	}

	if timestamp == "" {
		return "", "", apperrors.MalformedHeader("missing t")
	}
	if signature == "" {
		return "", "", apperrors.MalformedHeader("missing " + signatureVersion)
	}
	return timestamp, signature, nil
}
