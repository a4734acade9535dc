package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>snapshot</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/job/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/job/abc.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("snapshots/job/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>snapshot</html>", string(stored))

	_, err = store.PutObject(context.Background(), "", "text/html", payload)
	require.Error(t, err)
}
