package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/mkarle/swath/internal/api"
)

// sliceSource feeds a fixed list of items.
type sliceSource struct {
	items []api.Item
	idx   int
}

func (s *sliceSource) Next(ctx context.Context) (api.Item, error) {
	if s.idx >= len(s.items) {
		return api.Item{}, io.EOF
	}
	item := s.items[s.idx]
	s.idx++
	return item, nil
}

// errSource yields n items and then fails.
type errSource struct {
	items []api.Item
	idx   int
}

func (s *errSource) Next(ctx context.Context) (api.Item, error) {
	if s.idx >= len(s.items) {
		return api.Item{}, errors.New("paging failed")
	}
	item := s.items[s.idx]
	s.idx++
	return item, nil
}

// assetState tracks one asset's remote lifecycle in the fake service.
type assetState struct {
	status api.AssetStatus
	polls  int
}

// fakeService is an in-memory AssetService. Asset bodies are served by a
// real HTTP test server so transfers exercise the actual download path.
type fakeService struct {
	client        *api.Client
	serverURL     string
	types         []string
	pollsToActive int

	mu          sync.Mutex
	state       map[string]map[string]*assetState // item ID -> asset type -> state
	activations int
	// statuses seen by Download at dispatch time, for the
	// no-premature-download check.
	dispatched []api.AssetStatus
	shutdowns  int
}

// newFakeService builds a fake where every item carries every asset type,
// starting at the given status. Assets become active after pollsToActive
// fetches in the activating state.
func newFakeService(t *testing.T, items []api.Item, types []string, start api.AssetStatus, pollsToActive int, payload []byte) *fakeService {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(server.Close)

	f := &fakeService{
		client:        api.NewClient(api.DefaultOptions()),
		serverURL:     server.URL,
		types:         types,
		pollsToActive: pollsToActive,
		state:         make(map[string]map[string]*assetState),
	}
	for _, item := range items {
		f.state[item.ID] = make(map[string]*assetState)
		for _, at := range types {
			f.state[item.ID][at] = &assetState{status: start}
		}
	}
	return f
}

func (f *fakeService) Assets(ctx context.Context, item api.Item) (api.AssetMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	states, ok := f.state[item.ID]
	if !ok {
		return api.AssetMap{}, nil
	}

	assets := make(api.AssetMap, len(states))
	for at, st := range states {
		if st.status == api.StatusActivating {
			st.polls++
			if st.polls >= f.pollsToActive {
				st.status = api.StatusActive
			}
		}
		a := api.Asset{
			Type:   at,
			Status: st.status,
			Links:  api.AssetLinks{Activate: "activate:" + item.ID + ":" + at},
		}
		if st.status == api.StatusActive {
			a.Location = f.serverURL + "/" + item.ID + "_" + at + ".tif"
		}
		assets[at] = a
	}
	return assets, nil
}

func (f *fakeService) Activate(ctx context.Context, asset api.Asset) error {
	parts := strings.Split(asset.Links.Activate, ":")
	if len(parts) != 3 {
		return fmt.Errorf("bad activation link %q", asset.Links.Activate)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	st := f.state[parts[1]][parts[2]]
	if st.status == api.StatusInactive {
		st.status = api.StatusActivating
	}
	return nil
}

func (f *fakeService) Download(ctx context.Context, asset api.Asset, w api.AssetWriter) (*api.Download, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, asset.Status)
	f.mu.Unlock()
	return f.client.Download(ctx, asset, w)
}

func (f *fakeService) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
}

func makeItems(n int) []api.Item {
	items := make([]api.Item, n)
	for i := range items {
		items[i] = api.Item{ID: fmt.Sprintf("item-%03d", i), ItemType: "scene"}
	}
	return items
}

// TestDownloadConservation runs the full pipeline over 100 items with two
// asset types that activate after three poll cycles, and checks the final
// accounting: one completion per item per asset type.
func TestDownloadConservation(t *testing.T) {
	items := makeItems(100)
	types := []string{"a", "b"}
	payload := make([]byte, 64*1024)
	svc := newFakeService(t, items, types, api.StatusInactive, 3, payload)

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	var completions atomic.Int64
	dl, err := New(svc, Options{
		AssetTypes:          types,
		NoDelay:             true,
		ActivationQueueSize: 10,
		PollQueueSize:       10,
		DownloadQueueSize:   2,
		OnComplete: func(item api.Item, assetType, path string) {
			if path == "" {
				t.Errorf("download completion for %s/%s has empty path", item.ID, assetType)
			}
			completions.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := dl.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if got := completions.Load(); got != 200 {
		t.Errorf("expected 200 completions, got %d", got)
	}

	stats := dl.Stats()
	want := Stats{
		Paging:      false,
		Activating:  0,
		Pending:     0,
		Downloading: 0,
		Downloaded:  formatBytes(200 * int64(len(payload))),
		Complete:    200,
	}
	if stats != want {
		t.Errorf("stats mismatch:\n got %+v\nwant %+v", stats, want)
	}
	if stats.Downloaded == "0 B" || !strings.HasSuffix(stats.Downloaded, "MB") {
		t.Errorf("expected nonzero MB downloaded, got %q", stats.Downloaded)
	}
}

// TestNoPrematureDownload checks that every dispatched transfer saw an
// active asset.
func TestNoPrematureDownload(t *testing.T) {
	items := makeItems(20)
	types := []string{"a", "b"}
	svc := newFakeService(t, items, types, api.StatusInactive, 2, []byte("x"))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	dl, err := New(svc, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("Download: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.dispatched) != 40 {
		t.Fatalf("expected 40 dispatched transfers, got %d", len(svc.dispatched))
	}
	for i, status := range svc.dispatched {
		if status != api.StatusActive {
			t.Errorf("transfer %d dispatched with status %q", i, status)
		}
	}
}

// TestSingleActivationPerCycle checks that an item with two inactive assets
// triggers one activation call per processing cycle, not one per asset.
func TestSingleActivationPerCycle(t *testing.T) {
	items := makeItems(1)
	types := []string{"a", "b"}
	svc := newFakeService(t, items, types, api.StatusInactive, 1, []byte("x"))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	dl, err := New(svc, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("Download: %v", err)
	}

	// Two inactive assets need exactly two cycles with one activation each.
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.activations != 2 {
		t.Errorf("expected 2 activation calls, got %d", svc.activations)
	}
}

// TestIdempotentSkip re-runs a download into a populated destination and
// checks that nothing is re-transferred.
func TestIdempotentSkip(t *testing.T) {
	items := makeItems(3)
	types := []string{"a"}
	payload := make([]byte, 1024)

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	first := newFakeService(t, items, types, api.StatusInactive, 1, payload)
	dl1, err := New(first, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl1.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("first Download: %v", err)
	}
	if got := dl1.Stats().Complete; got != 3 {
		t.Fatalf("first run: expected 3 completions, got %d", got)
	}

	// Second run against the same bucket: everything already exists.
	second := newFakeService(t, items, types, api.StatusActive, 0, payload)
	var completions atomic.Int64
	dl2, err := New(second, Options{
		AssetTypes: types,
		NoDelay:    true,
		OnComplete: func(api.Item, string, string) { completions.Add(1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl2.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("second Download: %v", err)
	}

	if got := completions.Load(); got != 3 {
		t.Errorf("expected 3 skip completions, got %d", got)
	}
	stats := dl2.Stats()
	if stats.Downloaded != "0 B" {
		t.Errorf("skipped files must not count bytes, got %q", stats.Downloaded)
	}
}

// TestShutdownTerminatesPromptly cancels a run whose transfers hang and
// checks the drain loop returns.
func TestShutdownTerminatesPromptly(t *testing.T) {
	items := makeItems(4)
	types := []string{"a"}

	// Transfers block until the request is cancelled.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	svc := newFakeService(t, items, types, api.StatusActive, 0, nil)
	svc.serverURL = server.URL

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	dl, err := New(svc, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- dl.Download(context.Background(), &sliceSource{items: items}, bucket)
	}()

	// Wait until at least one transfer is in flight.
	deadline := time.After(10 * time.Second)
	for dl.Stats().Downloading == 0 {
		select {
		case <-deadline:
			t.Fatal("no transfer dispatched")
		case err := <-done:
			t.Fatalf("run finished before shutdown: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	dl.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("drain loop did not return after shutdown")
	}

	if stats := dl.Stats(); stats.Paging {
		t.Errorf("paging should be false after shutdown, got %+v", stats)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.shutdowns != 1 {
		t.Errorf("expected 1 service shutdown, got %d", svc.shutdowns)
	}
}

// TestActivateOnly runs the two-stage pipeline and checks completions are
// reported with empty paths and no download stats.
func TestActivateOnly(t *testing.T) {
	items := makeItems(10)
	types := []string{"a", "b"}
	svc := newFakeService(t, items, types, api.StatusInactive, 2, nil)

	var paths []string
	var mu sync.Mutex
	dl, err := New(svc, Options{
		AssetTypes: types,
		NoDelay:    true,
		OnComplete: func(_ api.Item, _ string, path string) {
			mu.Lock()
			paths = append(paths, path)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := dl.Activate(context.Background(), &sliceSource{items: items}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 20 {
		t.Fatalf("expected 20 completions, got %d", len(paths))
	}
	for _, p := range paths {
		if p != "" {
			t.Errorf("activate-only completion carried path %q", p)
		}
	}

	stats := dl.Stats()
	if stats.Downloaded != "" || stats.Downloading != 0 || stats.Pending != 0 {
		t.Errorf("activate-only stats carry download fields: %+v", stats)
	}
	if stats.Complete != 20 {
		t.Errorf("expected complete=20, got %d", stats.Complete)
	}
}

// TestAlreadyRunning checks the single-run guard.
func TestAlreadyRunning(t *testing.T) {
	items := makeItems(2)
	types := []string{"a"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	svc := newFakeService(t, items, types, api.StatusActive, 0, nil)
	svc.serverURL = server.URL

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	dl, err := New(svc, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		dl.Download(context.Background(), &sliceSource{items: items}, bucket)
	}()

	deadline := time.After(10 * time.Second)
	for dl.Stats().Downloading == 0 {
		select {
		case <-deadline:
			t.Fatal("no transfer dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := dl.Activate(context.Background(), &sliceSource{items: items}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	dl.Shutdown()
	<-done
}

// TestSetupErrors checks caller-misuse failures happen before any stage
// starts.
func TestSetupErrors(t *testing.T) {
	svc := newFakeService(t, nil, []string{"a"}, api.StatusActive, 0, nil)

	if _, err := New(svc, Options{}); !errors.Is(err, ErrNoAssetTypes) {
		t.Errorf("expected ErrNoAssetTypes, got %v", err)
	}

	dl, err := New(svc, Options{AssetTypes: []string{"a"}, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl.Download(context.Background(), &sliceSource{}, nil); !errors.Is(err, ErrNoDestination) {
		t.Errorf("expected ErrNoDestination, got %v", err)
	}
	if err := dl.Activate(context.Background(), nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}

	dl.Shutdown()
	if err := dl.Activate(context.Background(), &sliceSource{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after shutdown, got %v", err)
	}
}

// TestItemWithoutUsableAssets checks that an item carrying none of the
// requested types is dropped while the rest complete.
func TestItemWithoutUsableAssets(t *testing.T) {
	items := makeItems(3)
	types := []string{"a"}
	svc := newFakeService(t, items, types, api.StatusActive, 0, []byte("x"))

	// Strip the middle item's assets entirely.
	svc.state[items[1].ID] = map[string]*assetState{}

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	var completions atomic.Int64
	dl, err := New(svc, Options{
		AssetTypes: types,
		NoDelay:    true,
		OnComplete: func(api.Item, string, string) { completions.Add(1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dl.Download(context.Background(), &sliceSource{items: items}, bucket); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if got := completions.Load(); got != 2 {
		t.Errorf("expected 2 completions, got %d", got)
	}
}

// TestSourceErrorStopsPaging checks a failing item source winds the run
// down instead of hanging it.
func TestSourceErrorStopsPaging(t *testing.T) {
	items := makeItems(2)
	types := []string{"a"}
	svc := newFakeService(t, items, types, api.StatusActive, 0, []byte("x"))

	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	dl, err := New(svc, Options{AssetTypes: types, NoDelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- dl.Download(context.Background(), &errSource{items: items}, bucket)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate after source error")
	}

	stats := dl.Stats()
	if stats.Complete != 2 {
		t.Errorf("expected the 2 yielded items to complete, got %d", stats.Complete)
	}
	if stats.Paging {
		t.Error("paging should be false after source error")
	}
}
