package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// pagingServer serves a quick-search endpoint split across two pages.
func pagingServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/v1/quick-search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("quick-search called with %s", r.Method)
		}
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode search request: %v", err)
		}
		if len(req.ItemTypes) != 1 || req.ItemTypes[0] != "scene" {
			t.Errorf("unexpected item types %v", req.ItemTypes)
		}
		json.NewEncoder(w).Encode(searchPage{
			Features: []Item{{ID: "item-1"}, {ID: "item-2"}},
			Links:    pageLinks{Next: server.URL + "/v1/quick-search/page2"},
		})
	})
	mux.HandleFunc("/v1/quick-search/page2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchPage{
			Features: []Item{{ID: "item-3"}},
		})
	})
	return server
}

func drainPager(t *testing.T, p *ItemPager) []string {
	t.Helper()
	var ids []string
	for {
		item, err := p.Next(context.Background())
		if err == io.EOF {
			return ids
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids = append(ids, item.ID)
	}
}

func TestQuickSearchFollowsPages(t *testing.T) {
	server := pagingServer(t)
	client := NewClient(testOptions(server.URL))

	pager, err := client.QuickSearch(context.Background(), SearchRequest{ItemTypes: []string{"scene"}})
	if err != nil {
		t.Fatalf("QuickSearch: %v", err)
	}

	ids := drainPager(t, pager)
	want := []string{"item-1", "item-2", "item-3"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d items, got %d (%v)", len(want), len(ids), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("item %d: expected %s, got %s", i, want[i], ids[i])
		}
	}

	// An exhausted pager stays exhausted.
	if _, err := pager.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestQuickSearchLimit(t *testing.T) {
	server := pagingServer(t)
	client := NewClient(testOptions(server.URL))

	pager, err := client.QuickSearch(context.Background(), SearchRequest{ItemTypes: []string{"scene"}})
	if err != nil {
		t.Fatalf("QuickSearch: %v", err)
	}

	ids := drainPager(t, pager.Limit(2))
	if len(ids) != 2 {
		t.Errorf("expected 2 items with limit, got %d (%v)", len(ids), ids)
	}
}

func TestQuickSearchRequiresItemType(t *testing.T) {
	client := NewClient(testOptions("http://unused.invalid"))
	if _, err := client.QuickSearch(context.Background(), SearchRequest{}); err == nil {
		t.Error("expected error for search without item types")
	}
}

func TestItemsPager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/item-types/scene/items/item-1":
			json.NewEncoder(w).Encode(Item{ID: "item-1"})
		case "/v1/item-types/scene/items/item-2":
			json.NewEncoder(w).Encode(Item{ID: "item-2"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(testOptions(server.URL))

	ids := drainPager(t, client.Items(context.Background(), "scene", []string{"item-1", "item-2"}))
	if len(ids) != 2 || ids[0] != "item-1" || ids[1] != "item-2" {
		t.Errorf("unexpected items %v", ids)
	}

	// A missing ID surfaces as an error, not EOF.
	pager := client.Items(context.Background(), "scene", []string{"nope"})
	if _, err := pager.Next(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
