// Package fulfil implements the upstream ERP client: paginated product reads
// from the Fulfil 3PL API and normalization of raw records into the internal
// mirror shape.
package fulfil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// timeParam is the timestamp layout the listing endpoint accepts for
// updated_at_min / updated_at_max filters.
const timeParam = "2006-01-02T15:04:05"

const defaultPerPage = 50

// Client reads products from a Fulfil tenant.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	perPage int
	logger  *log.Logger
	now     func() time.Time
}

// New creates a client for the given tenant subdomain.
//
// If logger is nil, a default logger writing to stderr is used.
func New(subdomain, apiKey string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[fulfil] ", log.LstdFlags)
	}
	return &Client{
		baseURL: fmt.Sprintf("https://%s.fulfil.io/services/3pl/v1", subdomain),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		perPage: defaultPerPage,
		logger:  logger,
		now:     time.Now,
	}
}

// page holds one decoded listing response. The API is not consistent about
// its envelope, so items and pagination signals are extracted tolerantly.
type page struct {
	items      []json.RawMessage
	next       string
	hasMore    *bool
	page       *int
	totalPages *int
}

// decodePage accepts either a bare JSON array of products or an object
// exposing the array under one of the conventional list keys.
func decodePage(body []byte) (*page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to decode product array: %w", err)
		}
		return &page{items: items}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode product listing: %w", err)
	}

	p := &page{}
	for _, key := range []string{"data", "products", "results", "items"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			p.items = items
			break
		}
	}

	if raw, ok := obj["next"]; ok {
		_ = json.Unmarshal(raw, &p.next)
	}
	if raw, ok := obj["has_more"]; ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			p.hasMore = &b
		}
	}
	if raw, ok := obj["page"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			p.page = &n
		}
	}
	if raw, ok := obj["total_pages"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			p.totalPages = &n
		}
	}
	return p, nil
}

// hasMorePages decides whether another page should be requested. The signals
// are checked in fixed priority order: next URL, has_more flag, explicit
// page/total_pages counters, and finally the full-page heuristic.
func hasMorePages(p *page, perPage int) bool {
	if p.next != "" {
		return true
	}
	if p.hasMore != nil {
		return *p.hasMore
	}
	if p.page != nil && p.totalPages != nil {
		return *p.page < *p.totalPages
	}
	return len(p.items) >= perPage
}

// productsPage fetches a single listing page. The min/max filters are
// ISO-8601 timestamps; empty strings omit the filter.
func (c *Client) productsPage(ctx context.Context, pageNum int, updatedMin, updatedMax string) (*page, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(pageNum))
	params.Set("per_page", strconv.Itoa(c.perPage))
	if updatedMin != "" {
		params.Set("updated_at_min", updatedMin)
	}
	if updatedMax != "" {
		params.Set("updated_at_max", updatedMax)
	}

	reqURL := c.baseURL + "/products.json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build products request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products page %d: %w", pageNum, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read products response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fulfil returned HTTP %d for page %d: %s", resp.StatusCode, pageNum, truncate(string(body), 300))
	}

	return decodePage(body)
}

// PullSince returns every product modified after the given watermark, fully
// draining the page sequence. A zero watermark pulls the entire catalog
// (initial sync).
//
// Transport or decode failures fail the whole pull; no partial record list
// is returned.
func (c *Client) PullSince(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	var updatedMin, updatedMax string
	if !since.IsZero() {
		updatedMin = since.UTC().Format(timeParam)
		updatedMax = c.now().UTC().Format(timeParam)
	}

	var all []json.RawMessage
	for pageNum := 1; ; pageNum++ {
		p, err := c.productsPage(ctx, pageNum, updatedMin, updatedMax)
		if err != nil {
			return nil, err
		}
		if len(p.items) == 0 {
			break
		}
		all = append(all, p.items...)
		if !hasMorePages(p, c.perPage) {
			break
		}
	}

	c.logger.Printf("Pulled %d products since %s", len(all), sinceLabel(since))
	return all, nil
}

func sinceLabel(since time.Time) string {
	if since.IsZero() {
		return "the beginning (initial sync)"
	}
	return since.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
