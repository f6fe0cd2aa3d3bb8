/*
cache.go - Parsed-formula cache

PURPOSE:
  Memoizes Parse by formula text for the evaluator. Size comes from
  recalc.parse_cache_size; zero disables the cache in cmd/server.

SEE ALSO:
  - parser.go: Parse
  - evaluator.go: Evaluator.Cache
*/
package formula

import "sync"

// DefaultParseCacheSize is the number of distinct formula texts kept parsed.
const DefaultParseCacheSize = 1024

// ParseCache memoizes Parse by formula text. ASTs are never mutated after
// parsing, so a cached node can be shared by concurrent evaluations.
// When the cache is full it is cleared rather than tracking recency.
type ParseCache struct {
	mu      sync.RWMutex
	limit   int
	entries map[string]Node
}

func NewParseCache(limit int) *ParseCache {
	if limit <= 0 {
		limit = DefaultParseCacheSize
	}
	return &ParseCache{limit: limit, entries: make(map[string]Node)}
}

// Parse returns the cached AST for formula, parsing it on a miss.
// Parse errors are not cached.
func (c *ParseCache) Parse(formula string) (Node, error) {
	if c == nil {
		return Parse(formula)
	}

	c.mu.RLock()
	node, ok := c.entries[formula]
	c.mu.RUnlock()
	if ok {
		return node, nil
	}

	node, err := Parse(formula)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.limit {
		c.entries = make(map[string]Node)
	}
	c.entries[formula] = node
	c.mu.Unlock()
	return node, nil
}

// Len returns the number of cached formulas.
func (c *ParseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
