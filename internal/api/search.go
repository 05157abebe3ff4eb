package api

import (
	"context"
	"fmt"
	"io"
)

// ItemPager iterates over a stream of items, fetching further pages from the
// API as needed. It is not safe for concurrent use; the pipeline feeds it
// from a single goroutine.
type ItemPager struct {
	next  func(ctx context.Context) (Item, error)
	limit int
	seen  int
}

// Next returns the next item. It returns io.EOF once the stream is
// exhausted or the configured limit has been reached.
func (p *ItemPager) Next(ctx context.Context) (Item, error) {
	if p.limit > 0 && p.seen >= p.limit {
		return Item{}, io.EOF
	}
	item, err := p.next(ctx)
	if err != nil {
		return Item{}, err
	}
	p.seen++
	return item, nil
}

// Limit caps the number of items the pager will yield. Zero means no limit.
func (p *ItemPager) Limit(n int) *ItemPager {
	p.limit = n
	return p
}

// QuickSearch runs a search and returns a pager over all matching items,
// following result pages transparently.
func (c *Client) QuickSearch(ctx context.Context, req SearchRequest) (*ItemPager, error) {
	if len(req.ItemTypes) == 0 {
		return nil, fmt.Errorf("quick search: at least one item type is required")
	}

	url := c.opts.BaseURL + "/v1/quick-search"

	var page searchPage
	if err := c.postJSON(ctx, url, req, &page); err != nil {
		return nil, fmt.Errorf("quick search: %w", err)
	}

	idx := 0
	return &ItemPager{
		next: func(ctx context.Context) (Item, error) {
			for idx >= len(page.Features) {
				if page.Links.Next == "" {
					return Item{}, io.EOF
				}
				var next searchPage
				if err := c.getJSON(ctx, page.Links.Next, &next); err != nil {
					return Item{}, fmt.Errorf("quick search page: %w", err)
				}
				page = next
				idx = 0
			}
			item := page.Features[idx]
			idx++
			return item, nil
		},
	}, nil
}

// Items returns a pager over an explicit list of item IDs, fetching each
// record lazily.
func (c *Client) Items(ctx context.Context, itemType string, ids []string) *ItemPager {
	idx := 0
	return &ItemPager{
		next: func(ctx context.Context) (Item, error) {
			if idx >= len(ids) {
				return Item{}, io.EOF
			}
			id := ids[idx]
			idx++
			return c.GetItem(ctx, itemType, id)
		},
	}
}
