package api

import (
	"encoding/json"
	"time"
)

// AssetStatus is the remote activation state of an asset.
// For valid values see the constants below.
type AssetStatus string

const (
	// StatusInactive means the asset exists but has never been activated.
	StatusInactive AssetStatus = "inactive"
	// StatusActivating means activation has been requested and the remote
	// side is still preparing the asset.
	StatusActivating AssetStatus = "activating"
	// StatusActive means the asset is ready and Location is populated.
	StatusActive AssetStatus = "active"
)

// Item is one catalog record: a single scene that can be searched for,
// activated, and downloaded in one or more asset variants.
type Item struct {
	ID         string          `json:"id"`
	ItemType   string          `json:"item_type"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	Links      ItemLinks       `json:"_links"`
}

// ItemLinks holds the navigation links of an item.
type ItemLinks struct {
	Self   string `json:"_self,omitempty"`
	Assets string `json:"assets,omitempty"`
}

// Asset is one downloadable product variant of an item. Instances are
// snapshots; the remote state advances by re-fetching the item's assets,
// never by mutating an Asset in place.
type Asset struct {
	Type      string      `json:"type"`
	Status    AssetStatus `json:"status"`
	Location  string      `json:"location,omitempty"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
	Links     AssetLinks  `json:"_links"`
}

// AssetLinks holds the navigation links of an asset.
type AssetLinks struct {
	Self     string `json:"_self,omitempty"`
	Activate string `json:"activate,omitempty"`
}

// AssetMap maps asset type to the asset snapshot for one item.
type AssetMap map[string]Asset

// Active reports whether every one of the given asset types that is present
// in the map has status active, and at least one of them is present. Types
// the item does not carry at all are ignored; the caller decides whether an
// item with no usable assets is dropped.
func (m AssetMap) Active(types []string) bool {
	present := 0
	for _, t := range types {
		a, ok := m[t]
		if !ok {
			continue
		}
		present++
		if a.Status != StatusActive {
			return false
		}
	}
	return present > 0
}

// SearchRequest describes a quick-search query.
type SearchRequest struct {
	ItemTypes []string        `json:"item_types"`
	Filter    json.RawMessage `json:"filter,omitempty"`
	Name      string          `json:"name,omitempty"`
}

// searchPage is one page of quick-search results.
type searchPage struct {
	Features []Item    `json:"features"`
	Links    pageLinks `json:"_links"`
}

type pageLinks struct {
	Next string `json:"_next,omitempty"`
}
