package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/track"
	"github.com/kallsyms/distscrape/internal/track/memory"
)

func TestServer_SubmitItems_Succeeds(t *testing.T) {
	t.Parallel()

	tr := memory.New(memory.Options{})
	server := newTestServer(tr)

	body := `{"items":[{"identity":"https://example.com/a","payload":"seed"},{"identity":"https://example.com/b"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)
	require.Equal(t, 0, resp.Duplicates)

	// The same batch again is all duplicates.
	req = httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Accepted)
	require.Equal(t, 2, resp.Duplicates)
}

func TestServer_SubmitItems_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitItems_EmptyBatch(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(`{"items":[]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "at least one item")
}

func TestServer_SubmitItems_BlankIdentity(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(`{"items":[{"identity":""}]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitItems_BackendUnavailable(t *testing.T) {
	t.Parallel()

	server := newTestServer(&failingTracker{err: track.ErrBackendUnavailable})
	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(`{"items":[{"identity":"x"}]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestServer_GetItem_HidesLeaseToken leases the item first and checks
// that the response names the holding worker but never the token.
func TestServer_GetItem_HidesLeaseToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := memory.New(memory.Options{})
	_, err := tr.Submit(ctx, []track.Candidate{{Identity: "https://example.com/a", Payload: "seed"}})
	require.NoError(t, err)
	worker, err := tr.RegisterWorker(ctx)
	require.NoError(t, err)
	grants, err := tr.RequestWork(ctx, worker, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	server := newTestServer(tr)
	req := httptest.NewRequest(http.MethodGet, "/v1/items/https://example.com/a", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp itemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "https://example.com/a", resp.Identity)
	require.Equal(t, string(track.StateLeased), resp.State)
	require.Equal(t, worker, resp.LeasedBy)
	require.NotNil(t, resp.LeaseExpiresAt)
	require.NotContains(t, rec.Body.String(), grants[0].Token)
}

func TestServer_GetItem_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodGet, "/v1/items/missing", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListItems_FiltersAndPaginates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := memory.New(memory.Options{})
	_, err := tr.Submit(ctx, []track.Candidate{{Identity: "a"}, {Identity: "b"}})
	require.NoError(t, err)
	_, err = tr.ImportDone(ctx, []string{"c"})
	require.NoError(t, err)

	server := newTestServer(tr)
	req := httptest.NewRequest(http.MethodGet, "/v1/items?state=pending&limit=1&offset=1", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []itemResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "b", resp.Items[0].Identity)
}

func TestServer_ListItems_InvalidFilters(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))

	for _, target := range []string{
		"/v1/items?state=bogus",
		"/v1/items?limit=0",
		"/v1/items?limit=abc",
		"/v1/items?offset=-1",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}

func TestServer_ListItems_BackendWithoutListing(t *testing.T) {
	t.Parallel()

	server := newTestServer(&plainTracker{memory.New(memory.Options{})})
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_GetStats_IncludesTotal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := memory.New(memory.Options{})
	_, err := tr.Submit(ctx, []track.Candidate{{Identity: "a"}, {Identity: "b"}})
	require.NoError(t, err)
	_, err = tr.ImportDone(ctx, []string{"c"})
	require.NoError(t, err)

	server := newTestServer(tr)
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Pending int64 `json:"pending"`
		Done    int64 `json:"done"`
		Total   int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(2), resp.Pending)
	require.Equal(t, int64(1), resp.Done)
	require.Equal(t, int64(3), resp.Total)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz_ProbesBackend(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	server = newTestServer(&failingTracker{err: track.ErrBackendUnavailable})
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(memory.New(memory.Options{}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(memory.New(memory.Options{})).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// --- helpers/fakes ---

func newTestServer(tr track.Tracker) *Server {
	return NewServer(tr, zap.NewNop())
}

// plainTracker hides the listing capability of the wrapped tracker.
type plainTracker struct {
	track.Tracker
}

// failingTracker reports the injected error from every store-touching
// operation the handlers exercise.
type failingTracker struct {
	track.Tracker
	err error
}

func (f *failingTracker) Submit(context.Context, []track.Candidate) (int, error) {
	return 0, f.err
}

func (f *failingTracker) Stats(context.Context) (track.Stats, error) {
	return track.Stats{}, f.err
}

func (f *failingTracker) Get(context.Context, string) (track.Item, error) {
	return track.Item{}, f.err
}
