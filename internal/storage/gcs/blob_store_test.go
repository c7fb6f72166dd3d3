package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/harvest/internal/storage/gcs"
)

func newClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client := newClient(t, http.NotFoundHandler())
	_, err = gcs.New(client, gcs.Config{Bucket: " "})
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	client := newClient(t, http.NotFoundHandler())
	store, err := gcs.New(client, gcs.Config{Bucket: "b", Prefix: "/archive/"})
	require.NoError(t, err)
	assert.Equal(t, "archive/raw/a.html", store.ObjectName("/raw/a.html"))

	bare, err := gcs.New(client, gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, "raw/a.html", bare.ObjectName("raw/a.html"))
}

func TestPutObjectUploads(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		name string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/harvest-raw/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		body = data
		name = r.URL.Query().Get("name")
		mu.Unlock()
		fmt.Fprintf(w, `{"bucket":"harvest-raw","name":%q}`, r.URL.Query().Get("name"))
	})
	store, err := gcs.New(newClient(t, handler), gcs.Config{Bucket: "harvest-raw", Prefix: "pages"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "regione/2026/10/18/abc.html", "text/html",
		bytes.NewReader([]byte("<html>bandi</html>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://harvest-raw/pages/regione/2026/10/18/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(body), "<html>bandi</html>")
	assert.Contains(t, string(body), "text/html")
	if name != "" {
		assert.Equal(t, "pages/regione/2026/10/18/abc.html", name)
	}
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})
	store, err := gcs.New(newClient(t, handler), gcs.Config{Bucket: "harvest-raw"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.html", "text/html", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestPutObjectEmptyKey(t *testing.T) {
	store, err := gcs.New(newClient(t, http.NotFoundHandler()), gcs.Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	assert.Error(t, err)
}
