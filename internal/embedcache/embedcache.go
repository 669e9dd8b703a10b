// Package embedcache implements C2: a persistent key->vector cache that
// survives process restart, fronted by a bounded in-process LRU. Grounded
// on the teacher's embedder.go query-cache hashing/clone semantics, but
// backed by sqlite instead of an in-memory TTL map so it satisfies spec
// §4.2's persistence requirement.
package embedcache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"
)

type Entry struct {
	Vector     []float32
	Dimension  int
	LastUsedAt time.Time
}

type Cache struct {
	db         *sql.DB
	hot        *ristretto.Cache
	mu         sync.Mutex
	maxEntries int
	enabled    bool
}

// Open opens (creating if absent) the sqlite-backed cache file at path.
func Open(path string, maxEntries int, enabled bool) (*Cache, error) {
	if !enabled {
		return &Cache{enabled: false}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS embedding_cache (
  cache_key TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  dimension INTEGER NOT NULL,
  vector BLOB NOT NULL,
  last_used_at INTEGER NOT NULL
)`); err != nil {
		db.Close()
		return nil, err
	}

	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000_000,
		MaxCost:     1 << 26, // ~64MB hot layer
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, hot: hot, maxEntries: maxEntries, enabled: true}, nil
}

func (c *Cache) Close() error {
	if c == nil || !c.enabled {
		return nil
	}
	c.hot.Close()
	return c.db.Close()
}

// Key computes hash(normalized_text) ⊕ model ⊕ dimension per spec §4.2.
// Normalization strips leading/trailing whitespace; internal whitespace is
// preserved, and any role prefix must already be stripped by the caller.
func Key(normalizedText, model string, dimension int) string {
	text := strings.TrimSpace(normalizedText)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", text, model, dimension)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for key, or ok=false. Never returns a
// vector whose dimension differs from dimension.
func (c *Cache) Get(key string, dimension int) (Entry, bool) {
	if c == nil || !c.enabled || key == "" {
		return Entry{}, false
	}
	if v, found := c.hot.Get(key); found {
		entry := v.(Entry)
		if entry.Dimension == dimension {
			return cloneEntry(entry), true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.db.QueryRow(`SELECT vector, dimension, last_used_at FROM embedding_cache WHERE cache_key = ?`, key)
	var blob []byte
	var dim int
	var lastUsed int64
	if err := row.Scan(&blob, &dim, &lastUsed); err != nil {
		return Entry{}, false
	}
	if dim != dimension {
		return Entry{}, false
	}
	entry := Entry{Vector: decodeVector(blob), Dimension: dim, LastUsedAt: time.Unix(lastUsed, 0)}
	c.hot.Set(key, entry, int64(len(blob)))
	return cloneEntry(entry), true
}

// Put stores vector under key. Idempotent.
func (c *Cache) Put(key, model string, vector []float32) error {
	if c == nil || !c.enabled || key == "" {
		return nil
	}
	now := time.Now().Unix()
	blob := encodeVector(vector)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`
INSERT INTO embedding_cache(cache_key, model, dimension, vector, last_used_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET vector=excluded.vector, last_used_at=excluded.last_used_at`,
		key, model, len(vector), blob, now); err != nil {
		return err
	}
	c.hot.Set(key, Entry{Vector: cloneFloat32(vector), Dimension: len(vector), LastUsedAt: time.Unix(now, 0)}, int64(len(blob)))
	c.enforceMaxEntries()
	return nil
}

// Touch bumps last_used_at for key; eventually consistent (spec §9).
func (c *Cache) Touch(key string) {
	if c == nil || !c.enabled || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.db.Exec(`UPDATE embedding_cache SET last_used_at = ? WHERE cache_key = ?`, time.Now().Unix(), key)
}

// Size returns the number of persisted entries.
func (c *Cache) Size() int {
	if c == nil || !c.enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&n)
	return n
}

// Evict removes up to n least-recently-used entries.
func (c *Cache) Evict(n int) int {
	if c == nil || !c.enabled || n <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec(`
DELETE FROM embedding_cache WHERE cache_key IN (
  SELECT cache_key FROM embedding_cache ORDER BY last_used_at ASC LIMIT ?
)`, n)
	if err != nil {
		return 0
	}
	affected, _ := res.RowsAffected()
	return int(affected)
}

func (c *Cache) enforceMaxEntries() {
	if c.maxEntries <= 0 {
		return
	}
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&n); err != nil {
		return
	}
	if n <= c.maxEntries {
		return
	}
	overflow := n - c.maxEntries
	_, _ = c.db.Exec(`
DELETE FROM embedding_cache WHERE cache_key IN (
  SELECT cache_key FROM embedding_cache ORDER BY last_used_at ASC LIMIT ?
)`, overflow)
}

func encodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cloneFloat32(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneEntry(e Entry) Entry {
	e.Vector = cloneFloat32(e.Vector)
	return e
}
