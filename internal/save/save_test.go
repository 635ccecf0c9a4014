package save_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallsyms/distscrape/internal/save"
)

func TestObjectName(t *testing.T) {
	t.Run("Stable", func(t *testing.T) {
		assert.Equal(t, save.ObjectName("https://example.com/a"), save.ObjectName("https://example.com/a"))
	})

	t.Run("DistinctAfterSanitizing", func(t *testing.T) {
		// Both sanitize to the same prefix, the digest keeps them apart.
		a := save.ObjectName("https://example.com/a?x=1")
		b := save.ObjectName("https://example.com/a?x:1")
		assert.NotEqual(t, a, b)
	})

	t.Run("NoSeparators", func(t *testing.T) {
		name := save.ObjectName("https://example.com/a/b/../c")
		assert.NotContains(t, name, "/")
		assert.NotContains(t, name, "\\")
	})

	t.Run("LongIdentityTruncated", func(t *testing.T) {
		name := save.ObjectName(strings.Repeat("a", 500))
		assert.LessOrEqual(t, len(name), 113)
	})

	t.Run("EmptyFallsBackToDigest", func(t *testing.T) {
		assert.Len(t, save.ObjectName(""), 12)
	})
}

func TestNullSaver(t *testing.T) {
	s := save.NullSaver{}
	uri, err := s.Save(context.Background(), "anything", "text/html", []byte("dropped"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "null://"))
	assert.NoError(t, s.Close())
}

func TestMemorySaver(t *testing.T) {
	s := save.NewMemorySaver()

	content := []byte("hello")
	uri, err := s.Save(context.Background(), "item-one", "text/plain", content)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "memory://"))

	// The saver keeps its own copy.
	content[0] = 'x'
	got, ok := s.Get("item-one")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	_, ok = s.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
	assert.NoError(t, s.Close())
}
