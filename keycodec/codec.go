// Package keycodec implements canonical key prefixing and glob pattern
// compilation shared by every tier.
package keycodec

import (
	"regexp"
	"strings"
	"sync"
)

// Codec prefixes and unprefixes cache keys with a deployment-specific
// namespace and compiles wildcard patterns for pattern invalidation.
type Codec struct {
	prefix string

	mu    sync.RWMutex
	cache map[string]*Pattern
}

// New returns a Codec using prefix as the namespace. prefix should already
// end in the separator the deployment wants between namespace and key
// (e.g. "cachetier:").
func New(prefix string) *Codec {
	return &Codec{
		prefix: prefix,
		cache:  make(map[string]*Pattern),
	}
}

// Prefix returns the configured namespace.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Prefixed applies the namespace to k unconditionally, so that Unprefixed
// is its exact inverse for every key, including a caller key that itself
// happens to start with the prefix text. Callers prefix exactly once, at
// the boundary to the remote store.
func (c *Codec) Prefixed(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

// Unprefixed removes the namespace from k, if present. For any k,
// Unprefixed(Prefixed(k)) == k.
func (c *Codec) Unprefixed(k string) string {
	return strings.TrimPrefix(k, c.prefix)
}

// Pattern is a compiled glob matcher. The only wildcard is `*`, matching
// any run of characters (including zero); every other character is
// literal.
type Pattern struct {
	raw     string
	literal string // set when the pattern has no wildcard at all
	prefix  string // set when the pattern is exactly "literal*"
	re      *regexp.Regexp
}

// CompilePattern compiles p once and caches the result for reuse by
// subsequent invalidate_pattern calls sharing the same pattern text.
func (c *Codec) CompilePattern(p string) *Pattern {
	c.mu.RLock()
	if cached, ok := c.cache[p]; ok {
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	compiled := compile(p)

	c.mu.Lock()
	c.cache[p] = compiled
	c.mu.Unlock()

	return compiled
}

func compile(p string) *Pattern {
	if !strings.Contains(p, "*") {
		return &Pattern{raw: p, literal: p}
	}

	// Single trailing wildcard is the overwhelmingly common case
	// ("user:*"); fast-path it instead of paying for regexp. A bare "*"
	// stays on the regexp path so it doesn't degenerate into an
	// empty-prefix match.
	if len(p) > 1 && strings.Count(p, "*") == 1 && strings.HasSuffix(p, "*") {
		return &Pattern{raw: p, prefix: strings.TrimSuffix(p, "*")}
	}

	var b strings.Builder
	b.WriteByte('^')
	for _, part := range strings.Split(p, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}
	s := b.String()
	s = strings.TrimSuffix(s, ".*") + "$"
	return &Pattern{raw: p, re: regexp.MustCompile(s)}
}

// Match reports whether key matches the compiled pattern.
func (p *Pattern) Match(key string) bool {
	switch {
	case p.re != nil:
		return p.re.MatchString(key)
	case p.prefix != "":
		return strings.HasPrefix(key, p.prefix)
	default:
		return key == p.literal
	}
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// ClearCache discards compiled patterns. Exposed for tests and for callers
// that rotate through a very large number of distinct one-shot patterns.
func (c *Codec) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*Pattern)
}

// CacheSize reports the number of compiled patterns currently cached.
func (c *Codec) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
