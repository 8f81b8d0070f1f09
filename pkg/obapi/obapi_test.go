package obapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"

	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obstore"
)

func newTestHandler(t *testing.T) (http.Handler, *obstore.Store) {
	t.Helper()

	store, err := obstore.New(obstore.Config{
		RootDir: t.TempDir(),
		Key:     bytes.Repeat([]byte{0x42}, 32),
	}, obremote.NewInMemRemote(), logex.Discard)
	assert.Ok(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return NewHandler(store, logex.Discard), store
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusAndListEndpoints(t *testing.T) {
	handler, store := newTestHandler(t)
	ctx := context.Background()

	assert.Ok(t, store.CreateFile(ctx, "/notes.txt", []byte("hello")))

	rec := get(handler, "/api/status?path=/notes.txt")
	assert.Assert(t, rec.Code == http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), `"state":"unsynced"`))

	rec = get(handler, "/api/list?path=/")
	assert.Assert(t, rec.Code == http.StatusOK)
	assert.Assert(t, strings.Contains(rec.Body.String(), "notes.txt"))
}

func TestFileEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	ctx := context.Background()

	assert.Ok(t, store.CreateFile(ctx, "/doc.txt", []byte("ranged content")))

	rec := get(handler, "/api/file?path=/doc.txt")
	assert.Assert(t, rec.Code == http.StatusOK)
	assert.EqualString(t, rec.Body.String(), "ranged content")

	rec = get(handler, "/api/file?path=/doc.txt&ofs=7&len=7")
	assert.Assert(t, rec.Code == http.StatusOK)
	assert.EqualString(t, rec.Body.String(), "content")

	rec = get(handler, "/api/file?path=/missing.txt")
	assert.Assert(t, rec.Code == http.StatusNotFound)
}

func TestSyncEndpoint(t *testing.T) {
	handler, store := newTestHandler(t)
	ctx := context.Background()

	assert.Ok(t, store.CreateFile(ctx, "/doc.txt", []byte("push me")))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	assert.Assert(t, rec.Code == http.StatusNoContent)

	rec = get(handler, "/api/status?path=/doc.txt")
	assert.Assert(t, strings.Contains(rec.Body.String(), `"state":"synced"`))
}

func TestMetricsEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := get(handler, "/metrics")
	assert.Assert(t, rec.Code == http.StatusOK)
}
