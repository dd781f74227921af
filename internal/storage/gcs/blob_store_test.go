package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "harvests"})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}
