package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "snapshots"})
	require.ErrorContains(t, err, "storage client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")

	store, err := New(&storage.Client{}, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	require.Equal(t, "snapshots", store.bucket)
}
