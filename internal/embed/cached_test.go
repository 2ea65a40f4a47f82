package embed

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns deterministic vectors and counts backend calls.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	dim   int
	fail  error
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32(len(t)+j) / 10
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) Close() error    { return nil }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCachedEmbedder_SecondCallHitsCache(t *testing.T) {
	inner := newFakeEmbedder(4)
	c, err := NewCachedEmbedder(inner, "test-model", 10)
	require.NoError(t, err)

	v1, err := c.Embed(context.Background(), "今天喝了咖啡")
	require.NoError(t, err)
	v2, err := c.Embed(context.Background(), "今天喝了咖啡")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.callCount())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate())
}

func TestCachedEmbedder_BatchEmbedsOnlyMisses(t *testing.T) {
	inner := newFakeEmbedder(4)
	c, err := NewCachedEmbedder(inner, "test-model", 10)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "b")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}

	// One call for the warmup, one for the two misses.
	assert.Equal(t, 2, inner.callCount())
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestCachedEmbedder_AllHitsSkipBackend(t *testing.T) {
	inner := newFakeEmbedder(4)
	c, err := NewCachedEmbedder(inner, "test-model", 10)
	require.NoError(t, err)

	texts := []string{"x", "y"}
	_, err = c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	before := inner.callCount()
	_, err = c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, before, inner.callCount())
}

func TestCachedEmbedder_ErrorNotCached(t *testing.T) {
	inner := newFakeEmbedder(4)
	inner.fail = fmt.Errorf("backend down")
	c, err := NewCachedEmbedder(inner, "test-model", 10)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "text")
	require.Error(t, err)

	// Backend recovers; the next call must go through.
	inner.fail = nil
	vec, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestCachedEmbedder_Eviction(t *testing.T) {
	inner := newFakeEmbedder(2)
	c, err := NewCachedEmbedder(inner, "test-model", 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, txt := range []string{"one", "two", "three"} {
		_, err := c.Embed(ctx, txt)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Stats().Size)

	// "one" was evicted, so this is a miss.
	before := inner.callCount()
	_, err = c.Embed(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, before+1, inner.callCount())
}

func TestCachedEmbedder_ModelScopesKeys(t *testing.T) {
	inner := newFakeEmbedder(4)
	a, err := NewCachedEmbedder(inner, "model-a", 10)
	require.NoError(t, err)
	b, err := NewCachedEmbedder(inner, "model-b", 10)
	require.NoError(t, err)

	assert.NotEqual(t, a.cacheKey("same text"), b.cacheKey("same text"))
}
