// Package feedback memoizes judge feedback in an append-only JSONL log keyed
// by a digest of (question, model output, ground truth).
package feedback

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// KeyLen is the number of hex characters kept from the SHA-256 digest.
const KeyLen = 20

const keySep = "|||"

// Key returns the cache key for one judged triple.
func Key(question, modelOutput, groundTruth string) string {
	sum := sha256.Sum256([]byte(question + keySep + modelOutput + keySep + groundTruth))
	return hex.EncodeToString(sum[:])[:KeyLen]
}

// ErrClosed is returned by Put after Close on a persisted cache.
var ErrClosed = errors.New("feedback cache closed")

// Record is one line of the persisted log. Unknown fields are ignored on read.
type Record struct {
	Key      string `json:"key"`
	Feedback string `json:"feedback"`
}

// Cache is safe for concurrent use. Reads never block; writers are
// serialized so every appended line stays whole.
type Cache struct {
	entries sync.Map // key -> feedback
	size    atomic.Int64

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
	log  *slog.Logger
}

// Open replays the log at path into memory and keeps it open for appends.
// A missing file starts an empty cache; an empty path keeps the cache in
// memory only.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{path: path, log: logger}
	if path == "" {
		return c, nil
	}

	if f, err := os.Open(path); err == nil {
		err = c.replay(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("replay feedback cache %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open feedback cache %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open feedback cache %s for append: %w", path, err)
	}
	c.file = f
	c.w = bufio.NewWriter(f)
	if endsMidRecord(path) {
		// A torn final line must not swallow the next record.
		_ = c.w.WriteByte('\n')
	}
	logger.Info("feedback cache loaded", "path", path, "entries", c.Len())
	return c, nil
}

func (c *Cache) replay(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil || rec.Key == "" {
			c.log.Warn("skipping malformed feedback cache record", "path", c.path, "line", line, "err", err)
			continue
		}
		if _, loaded := c.entries.LoadOrStore(rec.Key, rec.Feedback); !loaded {
			c.size.Add(1)
		}
	}
	return sc.Err()
}

// Get returns the cached feedback for key.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Put records feedback for key and appends it to the log. Entries are never
// overwritten: a second Put for an existing key is a no-op.
func (c *Cache) Put(key, feedback string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries.Load(key); ok {
		return nil
	}
	if c.path != "" && c.w == nil {
		return ErrClosed
	}
	if c.w != nil {
		b, err := json.Marshal(Record{Key: key, Feedback: feedback})
		if err != nil {
			return fmt.Errorf("encode feedback record: %w", err)
		}
		b = append(b, '\n')
		if _, err := c.w.Write(b); err != nil {
			return fmt.Errorf("append feedback record: %w", err)
		}
		if err := c.w.Flush(); err != nil {
			return fmt.Errorf("flush feedback cache: %w", err)
		}
	}
	c.entries.Store(key, feedback)
	c.size.Add(1)
	return nil
}

// Len reports how many entries are cached.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Close flushes pending writes and closes the log.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.w.Flush()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file, c.w = nil, nil
	return err
}

func endsMidRecord(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return false
	}
	return last[0] != '\n'
}
