package llm

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rakunlabs/relay/internal/service"
)

// MapStatus translates an upstream non-2xx status into the bridge error
// taxonomy. The original status code and body land in Details so they are
// never dropped.
func MapStatus(provider string, status int, body []byte, header http.Header) *service.Error {
	details := map[string]any{
		"providerCode": status,
		"body":         service.Redact(string(truncate(body, 512))),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return service.Ef(service.KindAuthInvalid, "%s rejected credentials", provider).WithDetails(details)

	case status == http.StatusTooManyRequests:
		err := service.Ef(service.KindProviderRateLimited, "%s rate limit exceeded", provider).WithDetails(details)
		if ra := retryAfter(header); ra > 0 {
			err = err.WithRetryAfter(ra)
		}
		return err

	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return service.Ef(service.KindTimeout, "%s timed out", provider).WithDetails(details)

	default:
		return service.Ef(service.KindProviderError, "%s returned status %d", provider, status).WithDetails(details)
	}
}

// retryAfter parses a Retry-After header in either seconds or HTTP-date
// form. Zero when absent or unparseable.
func retryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}

	return b[:n]
}
