package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectKeepsPrivateCopy(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>bandi</html>")
	uri, err := store.PutObject(context.Background(), "raw/regione/2026/10/18/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/regione/2026/10/18/abc.html", uri)

	payload[0] = 'X'
	got, contentType, ok := store.Object("raw/regione/2026/10/18/abc.html")
	require.True(t, ok)
	assert.Equal(t, "<html>bandi</html>", string(got))
	assert.Equal(t, "text/html", contentType)

	got[0] = 'Y'
	again, _, _ := store.Object("raw/regione/2026/10/18/abc.html")
	assert.Equal(t, "<html>bandi</html>", string(again))
	assert.Equal(t, []string{"raw/regione/2026/10/18/abc.html"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestBlobStoreHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewBlobStore()
	_, err := store.PutObject(ctx, "a.html", "text/html", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Paths())
}
