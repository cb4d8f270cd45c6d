package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 4 << 20

// Config is the connection configuration shared by HTTP backends.
type Config struct {
	Name      string
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
}

// ProbeHTTP issues a GET and reports whether it answered 2xx within timeout.
func ProbeHTTP(ctx context.Context, client *http.Client, url string, headers map[string]string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// PostJSON sends payload as JSON and returns the body of a 200 response.
// Failures come back as *Error classified by transport error or status.
func PostJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Errorf(name, KindInvalidResponse, "marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Errorf(name, KindUnavailable, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, TransportError(ctx, name, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, TransportError(ctx, name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, StatusError(name, resp.StatusCode, responseBody)
	}
	return responseBody, nil
}

// TransportError classifies an error returned by http.Client.Do.
func TransportError(ctx context.Context, name string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return NewError(name, KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(name, KindTimeout, err)
	}
	return NewError(name, KindUnavailable, err)
}

// StatusError classifies a non-200 HTTP status.
func StatusError(name string, status int, body []byte) *Error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := fmt.Errorf("API error (status %d): %s", status, snippet)

	switch {
	case status == http.StatusTooManyRequests:
		return NewError(name, KindRateLimited, cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(name, KindTimeout, cause)
	case status >= 500, status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return NewError(name, KindUnavailable, cause)
	default:
		return NewError(name, KindInvalidResponse, cause)
	}
}

// maxNarrativeLines caps cleaned narratives.
const maxNarrativeLines = 20

// CleanNarrative strips control characters, collapses runs of spaces,
// drops blank lines and keeps at most maxNarrativeLines lines.
func CleanNarrative(text string) string {
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == maxNarrativeLines {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// Narrative cleans text and rejects an empty result as InvalidResponse.
func Narrative(name, text string) (string, error) {
	cleaned := CleanNarrative(text)
	if cleaned == "" {
		return "", Errorf(name, KindInvalidResponse, "empty narrative")
	}
	return cleaned, nil
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
