package fulfil

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New("acme", "test-key", log.New(testWriter{t}, "[test] ", 0))
	c.baseURL = srv.URL
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func productJSON(id int) string {
	return fmt.Sprintf(`{"id": %d, "code": "SKU-%d", "name": "Product %d", "write_date": "2024-01-0%dT10:00:00Z"}`, id, id, id, id%9+1)
}

func TestPullSince_BareArray(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprintf(w, "[%s, %s]", productJSON(1), productJSON(2))
			return
		}
		fmt.Fprint(w, "[]")
	}))

	// Two items on a 50-per-page request: full-page heuristic says stop.
	got, err := c.PullSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 products, got %d", len(got))
	}
}

func TestPullSince_HasMoreFlag(t *testing.T) {
	pagesServed := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"products": [%s], "has_more": true}`, productJSON(1))
		case "2":
			fmt.Fprintf(w, `{"products": [%s], "has_more": false}`, productJSON(2))
		default:
			t.Errorf("unexpected page request: %s", r.URL.Query().Get("page"))
		}
	}))

	got, err := c.PullSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 products, got %d", len(got))
	}
	if pagesServed != 2 {
		t.Errorf("expected 2 page requests, got %d", pagesServed)
	}
}

func TestPullSince_PageCounters(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"data": [%s], "page": 1, "total_pages": 2}`, productJSON(1))
		case "2":
			fmt.Fprintf(w, `{"data": [%s], "page": 2, "total_pages": 2}`, productJSON(2))
		}
	}))

	got, err := c.PullSince(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 products, got %d", len(got))
	}
}

func TestPullSince_SendsWatermarkFilters(t *testing.T) {
	var gotMin, gotMax string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMin = r.URL.Query().Get("updated_at_min")
		gotMax = r.URL.Query().Get("updated_at_max")
		fmt.Fprint(w, "[]")
	}))

	since := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if _, err := c.PullSince(context.Background(), since); err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}

	if gotMin != "2024-03-01T12:30:00" {
		t.Errorf("updated_at_min = %q", gotMin)
	}
	if gotMax == "" {
		t.Error("updated_at_max should be set for incremental pulls")
	}
}

func TestPullSince_InitialSyncOmitsFilters(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("updated_at_min") || r.URL.Query().Has("updated_at_max") {
			t.Error("initial sync must not send date filters")
		}
		fmt.Fprint(w, "[]")
	}))

	if _, err := c.PullSince(context.Background(), time.Time{}); err != nil {
		t.Fatalf("PullSince failed: %v", err)
	}
}

func TestPullSince_TransportError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))

	if _, err := c.PullSince(context.Background(), time.Time{}); err == nil {
		t.Error("expected transport error for non-2xx response")
	}
}

func TestHasMorePages_PriorityOrder(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	intPtr := func(n int) *int { return &n }

	tests := []struct {
		name    string
		page    *page
		perPage int
		want    bool
	}{
		{"next URL wins", &page{next: "/products.json?page=2", hasMore: boolPtr(false)}, 50, true},
		{"has_more true", &page{hasMore: boolPtr(true)}, 50, true},
		{"has_more false beats full page", &page{hasMore: boolPtr(false), items: make([]json.RawMessage, 50)}, 50, false},
		{"page counters continue", &page{page: intPtr(1), totalPages: intPtr(3)}, 50, true},
		{"page counters exhausted", &page{page: intPtr(3), totalPages: intPtr(3), items: make([]json.RawMessage, 50)}, 50, false},
		{"full page heuristic", &page{items: make([]json.RawMessage, 50)}, 50, true},
		{"short page stops", &page{items: make([]json.RawMessage, 7)}, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasMorePages(tt.page, tt.perPage); got != tt.want {
				t.Errorf("hasMorePages = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodePage_EnvelopeKeys(t *testing.T) {
	for _, key := range []string{"data", "products", "results", "items"} {
		body := fmt.Sprintf(`{"%s": [%s]}`, key, productJSON(1))
		p, err := decodePage([]byte(body))
		if err != nil {
			t.Fatalf("decodePage(%s) failed: %v", key, err)
		}
		if len(p.items) != 1 {
			t.Errorf("key %q: expected 1 item, got %d", key, len(p.items))
		}
	}
}
