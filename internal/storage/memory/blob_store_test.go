package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"title":"Cafe"}`)
	uri, err := store.PutObject(context.Background(), "harvests/t1/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://harvests/t1/abc.json", uri)

	payload[0] = '['
	obj, ok := store.Get("harvests/t1/abc.json")
	require.True(t, ok)
	require.Equal(t, `{"title":"Cafe"}`, string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, []string{"harvests/t1/abc.json"}, store.Paths())

	_, ok = store.Get("missing")
	require.False(t, ok)
}
