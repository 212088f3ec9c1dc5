package feedback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Deterministic(t *testing.T) {
	t.Parallel()
	k1 := Key("q", "out", "20")
	k2 := Key("q", "out", "20")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeyLen)
	assert.NotEqual(t, k1, Key("q", "out", "21"))
	// The separator keeps field boundaries distinct.
	assert.NotEqual(t, Key("a|||b", "c", "d"), Key("a", "b|||c", "d"))
}

func TestCache_RoundTripAcrossRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "judge_cache.jsonl")
	key := Key("question", "output", "truth")

	c, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(key, "text"))
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "text", got)
	require.NoError(t, c.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok = reopened.Get(key)
	require.True(t, ok)
	assert.Equal(t, "text", got)
	assert.Equal(t, 1, reopened.Len())
}

func TestCache_PutIsAppendOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	c, err := Open(path, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("k", "first"))
	require.NoError(t, c.Put("k", "second"))

	got, _ := c.Get("k")
	assert.Equal(t, "first", got)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
}

func TestOpen_SkipsMalformedAndToleratesExtraFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	content := strings.Join([]string{
		`{"key":"aaa","feedback":"one"}`,
		`not json at all`,
		``,
		`{"feedback":"missing key"}`,
		`{"key":"bbb","feedback":"two","model":"judge-x","ts":123}`,
		`{"key":"ccc","feedb`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	got, ok := c.Get("bbb")
	require.True(t, ok)
	assert.Equal(t, "two", got)
	_, ok = c.Get("ccc")
	assert.False(t, ok)

	// The torn last line must not corrupt the next append.
	require.NoError(t, c.Put("ddd", "three"))
	require.NoError(t, c.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok = reopened.Get("ddd")
	require.True(t, ok)
	assert.Equal(t, "three", got)
}

func TestCache_MemoryOnly(t *testing.T) {
	t.Parallel()
	c, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", "v"))
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
	assert.NoError(t, c.Close())
}

func TestCache_PutAfterClose(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "c.jsonl"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Put("k", "v"), ErrClosed)
}

func TestCache_ConcurrentWriters(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.jsonl")
	c, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key(fmt.Sprintf("q%d", i%25), "out", "gt")
			assert.NoError(t, c.Put(key, fmt.Sprintf("feedback %d", i%25)))
			_, _ = c.Get(key)
		}(i)
	}
	wg.Wait()
	require.NoError(t, c.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 25, reopened.Len())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 25, strings.Count(string(b), "\n"))
}
