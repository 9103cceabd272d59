package erebus

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "vm-1/snap-a/state", strings.NewReader("state")))
	require.NoError(t, s.Put(ctx, "vm-1/snap-a/mem", strings.NewReader("memory")))
	require.NoError(t, s.Put(ctx, "vm-2/snap-b/state", strings.NewReader("other")))

	rc, err := s.Get(ctx, "vm-1/snap-a/mem")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "memory", string(data))

	ok, err := s.Exists(ctx, "vm-1/snap-a/state")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s.List(ctx, "vm-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1/snap-a/mem", "vm-1/snap-a/state"}, keys)

	require.NoError(t, s.Delete(ctx, "vm-1/snap-a/mem"))
	require.NoError(t, s.Delete(ctx, "vm-1/snap-a/mem"))
	_, err = s.Get(ctx, "vm-1/snap-a/mem")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreKeysStayInside(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStore(base)
	require.NoError(t, err)

	p, err := s.path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, base))

	_, err = s.path("/")
	assert.Error(t, err)
}

// fakeS3 answers the list and head calls the store makes.
func fakeS3(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			w.Header().Set("Content-Type", "application/xml")
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>snapshots</Name><Prefix>vm-1/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
  <Contents><Key>vm-1/b/state</Key><Size>5</Size></Contents>
  <Contents><Key>vm-1/a/state</Key><Size>5</Size></Contents>
</ListBucketResult>`)
		case r.Method == http.MethodHead && r.URL.Path == "/snapshots/vm-1/a/state":
			w.Header().Set("Content-Length", "5")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestS3StoreListAndExists(t *testing.T) {
	srv := fakeS3(t)
	ctx := context.Background()
	s, err := NewS3Store(ctx, S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		Bucket:    "snapshots",
		AccessKey: "test",
		SecretKey: "test",
	})
	require.NoError(t, err)

	keys, err := s.List(ctx, "vm-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm-1/a/state", "vm-1/b/state"}, keys)

	ok, err := s.Exists(ctx, "vm-1/a/state")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "vm-1/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
