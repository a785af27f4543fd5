package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"m3u8get/internal/logger"
)

// Client fetches manifest documents. It accepts http(s) URLs as well as local
// file paths, since a downloaded master playlist is sometimes fed back in
// from disk.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
}

// NewClient creates a manifest client with a bounded response-header timeout.
func NewClient(log logger.Logger, userAgent string, timeout time.Duration) *Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: timeout,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger:    log,
		userAgent: userAgent,
	}
}

// HttpClient returns the underlying http.Client instance, shared with the
// segment fetcher so connections are reused.
func (c *Client) HttpClient() *http.Client {
	return c.httpClient
}

// Fetch retrieves the manifest at uri and returns its bytes together with the
// final URI after any redirects. The final URI is the base for resolving
// relative segment and rendition references.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	if isLocal(uri) {
		data, err := os.ReadFile(uri)
		if err != nil {
			return nil, "", unreachable(uri, err)
		}
		return data, uri, nil
	}

	c.logger.Debugf("Fetching manifest from URL: %s", uri)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", unreachable(uri, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", unreachable(uri, err)
	}
	defer resp.Body.Close()

	finalURI := resp.Request.URL.String()
	if finalURI != uri {
		c.logger.Debugf("Redirected to: %s", finalURI)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", unreachable(uri, fmt.Errorf("received status code %d from %s", resp.StatusCode, finalURI))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", unreachable(uri, fmt.Errorf("failed to read manifest body: %w", err))
	}

	return data, finalURI, nil
}

// isLocal reports whether uri is a filesystem path rather than a URL.
func isLocal(uri string) bool {
	return !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://")
}

// resolveRef resolves a possibly relative manifest reference against base,
// which may itself be a URL or a local path.
func resolveRef(base, ref string) (string, error) {
	if !isLocal(ref) {
		return ref, nil
	}
	if isLocal(base) {
		if filepath.IsAbs(ref) || strings.HasPrefix(ref, "/") {
			return ref, nil
		}
		dir := filepath.Dir(base)
		if dir == "." {
			return ref, nil
		}
		return filepath.Join(dir, ref), nil
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL '%s': %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse reference '%s': %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
