package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"syncdb/pkg/syncerr"
)

// HTTPPuller implements Puller by POSTing JSON to a pull URL, matching
// spec.md §6's request/response shapes byte-for-byte.
type HTTPPuller struct {
	URL        string
	Client     *http.Client
	AuthHeader func() string // returns the current Authorization header value, or ""
}

// HTTPPusher implements Pusher by POSTing JSON to a push URL.
type HTTPPusher struct {
	URL        string
	Client     *http.Client
	AuthHeader func() string
}

func httpClientOf(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func (p *HTTPPuller) Pull(ctx context.Context, req PullRequest) (*PullResponse, *ErrorResponse, error) {
	body, err := postJSON(ctx, httpClientOf(p.Client), p.URL, req, authHeaderOf(p.AuthHeader))
	if err != nil {
		return nil, nil, err
	}

	var errBody struct {
		Error       string `json:"error"`
		VersionType string `json:"versionType"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
		return nil, &ErrorResponse{Error: errBody.Error, VersionType: errBody.VersionType}, nil
	}

	var resp PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("sync: decode pull response: %w", err)
	}
	return &resp, nil, nil
}

func (p *HTTPPusher) Push(ctx context.Context, req PushRequest) (*ErrorResponse, error) {
	body, err := postJSON(ctx, httpClientOf(p.Client), p.URL, req, authHeaderOf(p.AuthHeader))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var errBody struct {
		Error       string `json:"error"`
		VersionType string `json:"versionType"`
	}
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
		return &ErrorResponse{Error: errBody.Error, VersionType: errBody.VersionType}, nil
	}
	return nil, nil
}

func authHeaderOf(f func() string) string {
	if f == nil {
		return ""
	}
	return f()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, authHeader string) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sync: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("sync: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransport, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, syncerr.New(syncerr.KindAuthorization, fmt.Errorf("401 from %s", url))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, syncerr.New(syncerr.KindTransport, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url))
	}
	return respBody, nil
}
