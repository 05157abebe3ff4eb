//go:build integration

// Package testutils provides shared test infrastructure for integration tests.
package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"

	"github.com/mkarle/swath/internal/api"
)

// CatalogOptions configures a fake imagery catalog.
type CatalogOptions struct {
	// APIKey every request must present.
	APIKey string

	// ItemType and ItemIDs define the catalog contents. Every item carries
	// every asset type.
	ItemType   string
	ItemIDs    []string
	AssetTypes []string

	// PollsToActive is how many asset fetches an activating asset needs
	// before it reports active. Zero means assets start out active.
	PollsToActive int

	// AssetData is the body served for every asset download.
	AssetData []byte

	// PageSize bounds search result pages. Default 2, to force paging.
	PageSize int
}

type catalogAsset struct {
	status api.AssetStatus
	polls  int
}

// Catalog is a fake imagery catalog API: search, asset status, activation,
// and asset delivery.
type Catalog struct {
	Server *httptest.Server
	opts   CatalogOptions

	mu          sync.Mutex
	assets      map[string]map[string]*catalogAsset
	activations int
}

// StartCatalog starts a fake catalog server seeded from opts.
func StartCatalog(t *testing.T, opts CatalogOptions) *Catalog {
	t.Helper()

	if opts.PageSize <= 0 {
		opts.PageSize = 2
	}

	c := &Catalog{
		opts:   opts,
		assets: make(map[string]map[string]*catalogAsset),
	}
	start := api.StatusInactive
	if opts.PollsToActive == 0 {
		start = api.StatusActive
	}
	for _, id := range opts.ItemIDs {
		c.assets[id] = make(map[string]*catalogAsset)
		for _, at := range opts.AssetTypes {
			c.assets[id][at] = &catalogAsset{status: start}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/quick-search", c.handleSearch)
	mux.HandleFunc("GET /v1/quick-search/pages/{page}", c.handlePage)
	mux.HandleFunc("GET /v1/item-types/{type}/items/{id}", c.handleItem)
	mux.HandleFunc("GET /v1/item-types/{type}/items/{id}/assets", c.handleAssets)
	mux.HandleFunc("POST /v1/activate/{id}/{asset}", c.handleActivate)
	mux.HandleFunc("GET /v1/data/{object}", c.handleData)

	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "api-key "+opts.APIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(c.Server.Close)
	return c
}

// Activations returns the number of activation requests received.
func (c *Catalog) Activations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations
}

func (c *Catalog) item(id string) api.Item {
	return api.Item{
		ID:       id,
		ItemType: c.opts.ItemType,
		Links: api.ItemLinks{
			Self:   fmt.Sprintf("%s/v1/item-types/%s/items/%s", c.Server.URL, c.opts.ItemType, id),
			Assets: fmt.Sprintf("%s/v1/item-types/%s/items/%s/assets", c.Server.URL, c.opts.ItemType, id),
		},
	}
}

func (c *Catalog) page(n int) searchPage {
	start := n * c.opts.PageSize
	end := start + c.opts.PageSize
	if end > len(c.opts.ItemIDs) {
		end = len(c.opts.ItemIDs)
	}

	var page searchPage
	for _, id := range c.opts.ItemIDs[start:end] {
		page.Features = append(page.Features, c.item(id))
	}
	if end < len(c.opts.ItemIDs) {
		page.Links.Next = fmt.Sprintf("%s/v1/quick-search/pages/%d", c.Server.URL, n+1)
	}
	return page
}

type searchPage struct {
	Features []api.Item `json:"features"`
	Links    struct {
		Next string `json:"_next,omitempty"`
	} `json:"_links"`
}

func (c *Catalog) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req api.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(c.page(0))
}

func (c *Catalog) handlePage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(c.page(n))
}

func (c *Catalog) handleItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := c.assets[id]; !ok {
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(c.item(id))
}

func (c *Catalog) handleAssets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c.mu.Lock()
	states, ok := c.assets[id]
	if !ok {
		c.mu.Unlock()
		http.NotFound(w, r)
		return
	}

	m := make(api.AssetMap, len(states))
	for at, st := range states {
		if st.status == api.StatusActivating {
			st.polls++
			if st.polls >= c.opts.PollsToActive {
				st.status = api.StatusActive
			}
		}
		a := api.Asset{
			Type:   at,
			Status: st.status,
			Links: api.AssetLinks{
				Activate: fmt.Sprintf("%s/v1/activate/%s/%s", c.Server.URL, id, at),
			},
		}
		if st.status == api.StatusActive {
			a.Location = fmt.Sprintf("%s/v1/data/%s_%s.tif", c.Server.URL, id, at)
		}
		m[at] = a
	}
	c.mu.Unlock()

	json.NewEncoder(w).Encode(m)
}

func (c *Catalog) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, at := r.PathValue("id"), r.PathValue("asset")

	c.mu.Lock()
	defer c.mu.Unlock()
	states, ok := c.assets[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	st, ok := states[at]
	if !ok {
		http.NotFound(w, r)
		return
	}

	c.activations++
	if st.status == api.StatusActive {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	st.status = api.StatusActivating
	w.WriteHeader(http.StatusAccepted)
}

func (c *Catalog) handleData(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", strconv.Itoa(len(c.opts.AssetData)))
	w.Write(c.opts.AssetData)
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container with a pre-created bucket.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	networkName := fmt.Sprintf("swath-test-net-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: networkName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Networks:     []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"minio"},
			},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	createBucketWithMC(t, ctx, networkName, accessKey, secretKey, bucketName)

	host, err := minioContainer.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}

	endpoint := fmt.Sprintf("%s:%s", host, port.Port())
	bucketURL := fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		bucketName, endpoint)

	// gocloud reads credentials from the environment.
	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: minioContainer,
		BucketURL: bucketURL,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}

// createBucketWithMC creates a bucket using a separate minio/mc container.
func createBucketWithMC(t *testing.T, ctx context.Context, networkName, accessKey, secretKey, bucketName string) {
	t.Helper()

	mcContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{
				fmt.Sprintf(
					"/usr/bin/mc config host add myminio http://minio:9000 %s %s && "+
						"/usr/bin/mc mb myminio/%s && "+
						"/usr/bin/mc policy set download myminio/%s; "+
						"exit 0",
					accessKey, secretKey, bucketName, bucketName,
				),
			},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mcContainer.Terminate(ctx)
}
