package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	gcsstore "github.com/fleveque/cover-service/internal/storage/gcs"
)

const bucketName = "test-bucket"

// newTestStore creates a Store pointed at a fake GCS JSON API.
func newTestStore(t *testing.T, handler http.Handler) *gcsstore.Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcs.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store, err := gcsstore.New(client, gcsstore.Config{Bucket: bucketName, CacheControl: "public, max-age=86400"})
	require.NoError(t, err)
	return store
}

func TestStore_Put(t *testing.T) {
	key := "covers/abc-lg-google-books.jpg"
	data := []byte("jpeg-bytes")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, key, r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(data))
		assert.Contains(t, string(body), "image/jpeg")

		fmt.Fprintln(w, `{ "name": "`+key+`", "bucket": "`+bucketName+`" }`)
	})

	store := newTestStore(t, handler)
	require.NoError(t, store.Put(context.Background(), key, "image/jpeg", data))
}

func TestStore_Put_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	store := newTestStore(t, handler)
	assert.Error(t, store.Put(context.Background(), "covers/abc-lg-amazon.jpg", "image/jpeg", []byte("x")))
	assert.Error(t, store.Put(context.Background(), " ", "image/jpeg", []byte("x")))
}

func TestStore_Exists(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "abc-lg-amazon.jpg"):
			fmt.Fprintln(w, `{ "name": "covers/abc-lg-amazon.jpg", "bucket": "`+bucketName+`", "size": "4" }`)
		case strings.HasSuffix(r.URL.Path, "abc-lg-boom.jpg"):
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintln(w, `{ "error": { "code": 403, "message": "forbidden" } }`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{ "error": { "code": 404, "message": "No such object" } }`)
		}
	})

	store := newTestStore(t, handler)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "covers/abc-lg-amazon.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "covers/abc-lg-open-library.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Exists(ctx, "covers/abc-lg-boom.jpg")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := gcsstore.New(nil, gcsstore.Config{Bucket: bucketName})
	assert.Error(t, err)

	client, err := gcs.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = gcsstore.New(client, gcsstore.Config{})
	assert.Error(t, err)
}
