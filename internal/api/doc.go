// Package api is a client for the swath imagery catalog API.
//
// This package handles:
//   - Quick search with cursor-style pagination
//   - Per-item asset listing and activation
//   - Asynchronous asset transfers into gocloud.dev/blob buckets
//   - Retry with exponential backoff and rate-limit awareness
//
// # Usage
//
//	client := api.NewClient(api.Options{
//	    BaseURL: "https://api.example.com",
//	    APIKey:  os.Getenv("SWATH_API_KEY"),
//	})
//
//	pager, err := client.QuickSearch(ctx, api.SearchRequest{
//	    ItemTypes: []string{"scene"},
//	})
//	for {
//	    item, err := pager.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    // ...
//	}
//
// # Asset lifecycle
//
// Assets start out inactive. Activate requests server-side processing; the
// asset moves through "activating" to "active", at which point Location holds
// a short-lived download URL. Download streams that URL into a bucket without
// blocking the caller; the returned handle is awaited or cancelled.
package api
