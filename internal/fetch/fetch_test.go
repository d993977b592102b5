package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_HTTP_ReturnsBodyAndHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer server.Close()

	f := New(Config{})

	result, err := f.Fetch(context.Background(), SourceHTTP, server.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(result.Bytes))
	assert.Len(t, result.SHA256, 64)
	assert.Equal(t, int64(11), result.Size)
}

func TestFetch_HTTP_ClientErrorNotRetried(t *testing.T) {
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := New(Config{})

	_, err := f.Fetch(context.Background(), SourceHTTP, server.URL)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestFetch_Local_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	f := New(Config{})

	result, err := f.Fetch(context.Background(), SourceLocal, path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(result.Bytes))
}

func TestFetch_UnsupportedSourceKind(t *testing.T) {
	f := New(Config{})

	_, err := f.Fetch(context.Background(), SourceKind("ftp"), "anything")
	assert.ErrorIs(t, err, ErrUnsupportedSourceKind)
}
