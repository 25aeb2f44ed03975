package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "extracts/sub1/trg1/positions.csv", ExtractKey("sub1", "trg1", "positions.csv"))
	assert.Equal(t, "extracts/sub1/trg1/passwd", ExtractKey("sub1", "trg1", "../../etc/passwd"))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory()
	require.NoError(t, m.Put(ctx, "b", "text/csv", []byte("x")))
	require.NoError(t, m.Put(ctx, "a", "application/json", []byte("{}")))
	assert.Equal(t, []string{"a", "b"}, m.Keys())

	obj, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, "text/csv", obj.ContentType)

	boom := errors.New("boom")
	m.FailWith(boom)
	assert.ErrorIs(t, m.Put(ctx, "c", "", nil), boom)
	assert.ErrorIs(t, m.Ping(ctx), boom)
}

func TestS3Store_PutUsesPathStyle(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		gotPath     string
		gotBody     string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = string(body)
		contentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewS3(S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		Bucket:    "extracts-bucket",
		AccessKey: "key",
		SecretKey: "secret",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := store.Put(context.Background(), "extracts/s/t/positions.csv", "text/csv", []byte("a,b\n"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/extracts-bucket/extracts/s/t/positions.csv", gotPath)
	assert.True(t, strings.Contains(gotBody, "a,b\n"))
	assert.Equal(t, "text/csv", contentType)
}
