// Package webtext fetches web pages mentioned in conversation and
// reduces them to readable text for an agent's context.
package webtext

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/troupe/internal/httpkit"
)

// Limits.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxBytes int64 = 2 * 1024 * 1024
	DefaultMaxChars       = 4000
)

// Page is the text extracted from one URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New returns a Fetcher using a client that retries dial failures.
func New() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithHeader("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5"),
		),
		maxBytes: DefaultMaxBytes,
	}
}

// Fetch downloads rawURL and extracts text, keeping at most maxChars
// runes (DefaultMaxChars when zero). Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, fmt.Errorf("fetch %s: status %d: %s", rawURL, resp.StatusCode, body)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", rawURL, err)
	}

	page := &Page{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	ct := strings.ToLower(page.ContentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		page.Title, page.Text = extractHTML(string(body))
	case utf8.Valid(body):
		page.Text = string(body)
	default:
		page.Text = fmt.Sprintf("binary content (%s), %d bytes", page.ContentType, len(body))
	}

	if utf8.RuneCountInString(page.Text) > maxChars {
		page.Text = truncateRunes(page.Text, maxChars)
		page.Truncated = true
	}
	return page, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// FindURLs returns the distinct http(s) URLs in text, in order, up to
// limit (all when limit <= 0).
func FindURLs(text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
