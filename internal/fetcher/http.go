package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// HTTPOptions parameterise a JSON-over-HTTP provider.
type HTTPOptions struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	UserAgent    string
}

type httpSource struct {
	name    string
	baseURL string
	client  *http.Client
	headers map[string]string
	logger  zerolog.Logger
}

func newHTTPSource(name, defaultBaseURL, defaultKeyHeader string, opts HTTPOptions, logger zerolog.Logger) httpSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	headers := map[string]string{"Accept": "application/json"}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		headers["User-Agent"] = ua
	} else {
		headers["User-Agent"] = "signalwatch/1.0"
	}
	if opts.APIKey != "" {
		header := opts.APIKeyHeader
		if header == "" {
			header = defaultKeyHeader
		}
		if header != "" {
			headers[header] = opts.APIKey
		}
	}

	return httpSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		headers: headers,
		logger:  logger.With().Str("component", name+"_fetcher").Logger(),
	}
}

// getJSON issues a GET and decodes a 200 response into out, mapping failures
// onto the provider error taxonomy.
func (s httpSource) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newError(s.name, KindMalformed, 0, fmt.Errorf("build request: %w", err))
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return unavailable(s.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(s.name, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("upstream returned error status")
		return parseHTTPError(s.name, resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return malformed(s.name, "decode %s: %v", path, err)
	}
	return nil
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Status  struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Chart struct {
		Error *struct {
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (r errorResponse) text() string {
	switch {
	case r.Status.ErrorMessage != "":
		return r.Status.ErrorMessage
	case r.Message != "":
		return r.Message
	case r.Chart.Error != nil && r.Chart.Error.Description != "":
		return r.Chart.Error.Description
	case len(r.Error) > 0:
		var s string
		if err := json.Unmarshal(r.Error, &s); err == nil {
			return s
		}
		return string(r.Error)
	}
	return ""
}

func parseHTTPError(provider string, status int, payload []byte) error {
	detail := ""
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		detail = apiErr.text()
	}
	if detail == "" && len(payload) > 0 {
		detail = strings.TrimSpace(string(payload))
		if len(detail) > maxErrorBody {
			detail = detail[:maxErrorBody]
		}
	}

	var cause error
	if detail != "" {
		cause = fmt.Errorf("%s api error: %s", provider, detail)
	}

	kind := KindUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusForbidden && mentionsRateLimit(detail):
		kind = KindRateLimited
	case status == http.StatusNotFound, status == http.StatusBadRequest:
		kind = KindNotFound
	}
	return newError(provider, kind, status, cause)
}

func mentionsRateLimit(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many")
}
