package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

// HTTP calls a URL. Args are either [url] for a GET or
// [method, url] and optionally [method, url, body].
// Any status of 400 or above fails the job. A 202 Accepted carrying a
// Retry-After header in seconds asks for another call after that delay.
type HTTP struct {
	Client  *http.Client
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

type request struct {
	method string
	url    string
	body   string
}

func parseArgs(args []string) (request, error) {
	switch len(args) {
	case 1:
		return request{method: http.MethodGet, url: args[0]}, nil
	case 2:
		return request{method: strings.ToUpper(args[0]), url: args[1]}, nil
	case 3:
		return request{method: strings.ToUpper(args[0]), url: args[1], body: args[2]}, nil
	}
	return request{}, fmt.Errorf("expected [url] or [method url [body]], got %d args", len(args))
}

func (h HTTP) Execute(ctx context.Context, args []string) (domain.Outcome, error) {
	req, err := parseArgs(args)
	if err != nil {
		return domain.Outcome{}, err
	}
	if req.url == "" {
		return domain.Outcome{}, fmt.Errorf("URL is required")
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to read response body: %w", err)
	}

	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return domain.Outcome{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	if resp.StatusCode == http.StatusAccepted {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			return domain.CompletedWithReschedule(time.Now().Add(time.Duration(secs) * time.Second)), nil
		}
	}

	return domain.Completed(), nil
}
