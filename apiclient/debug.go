package apiclient

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// generateCurlCommand renders a request as a cURL command that reproduces
// it from a shell. Headers are included as sent, Authorization and all:
// the output is for interactive debugging, not for logs shipped off-host.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/molecule' \
//	  -H 'Accept: application/json' \
//	  -d 'ids=1,2,3'
func generateCurlCommand(req *http.Request, body []byte) string {
	parts := []string{"curl"}

	if req.Method != http.MethodGet {
		parts = append(parts, "-X", req.Method)
	}

	parts = append(parts, fmt.Sprintf("'%s'", req.URL.String()))

	headerKeys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)

	for _, k := range headerKeys {
		for _, v := range req.Header[k] {
			parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", k, v))
		}
	}

	if len(body) > 0 {
		bodyStr := strings.ReplaceAll(string(body), "'", "'\\''")
		parts = append(parts, "-d", fmt.Sprintf("'%s'", bodyStr))
	}

	return strings.Join(parts, " ")
}

// logAttempt logs one outgoing attempt when debug mode is on.
func logAttempt(log zerolog.Logger, req *http.Request, attempt int) {
	log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("attempt", attempt).
		Msg("HTTP request")
}

// logResponse logs the response to one attempt when debug mode is on.
func logResponse(log zerolog.Logger, resp *http.Response, duration time.Duration, bodySize int) {
	log.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("body_bytes", bodySize).
		Msg("HTTP response")
}

// logFailure logs a failed attempt with a reproduction command when debug
// mode is on.
func logFailure(log zerolog.Logger, req *http.Request, body []byte, err error) {
	log.Debug().
		Err(err).
		Str("curl", generateCurlCommand(req, body)).
		Msg("HTTP request failed")
}
