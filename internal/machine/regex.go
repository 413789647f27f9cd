package machine

import (
	"hash/crc32"
	"regexp"

	"github.com/tinyhost/kvmengine/internal/domain"
	"github.com/tinyhost/kvmengine/internal/sandbox"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(s string) uint32 {
	return crc32.Checksum([]byte(s), crc32cTable)
}

// regexEntry is one slot in a per-VM regex cache. NonOwned marks a
// loaned entry: present in a forked VM because the main VM had it at
// snapshot time, but the main VM is the sole owner of the underlying
// pattern's lifetime.
type regexEntry struct {
	compiled *regexp.Regexp
	hash     uint32
	nonOwned bool
	free     bool
}

// regexCache is a linear, CRC32C-keyed cache bounded by max_regex
// (§3 Regex Cache, §4.5 COMPILE/MATCH/SUBST/FREE).
type regexCache struct {
	entries []regexEntry
	cap     int
}

func newRegexCache(capacity int) *regexCache {
	return &regexCache{entries: make([]regexEntry, 0, capacity), cap: capacity}
}

// snapshot returns a copy of the cache for a forked child; every entry
// is marked non-owned in the child regardless of ownership in self.
func (c *regexCache) snapshot() []regexEntry {
	out := make([]regexEntry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e
		out[i].nonOwned = true
	}
	return out
}

func (c *regexCache) restore(entries []regexEntry) {
	c.entries = append(c.entries[:0], entries...)
}

func (c *regexCache) compile(pattern string) (sandbox.RegexHandle, error) {
	h := crc32c(pattern)
	for i, e := range c.entries {
		if !e.free && e.hash == h && e.compiled.String() == pattern {
			return sandbox.RegexHandle(i), nil
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return -1, err
	}
	for i, e := range c.entries {
		if e.free {
			c.entries[i] = regexEntry{compiled: re, hash: h}
			return sandbox.RegexHandle(i), nil
		}
	}
	if len(c.entries) >= c.cap {
		return -1, domain.ErrRegexCacheFull
	}
	c.entries = append(c.entries, regexEntry{compiled: re, hash: h})
	return sandbox.RegexHandle(len(c.entries) - 1), nil
}

func (c *regexCache) get(h sandbox.RegexHandle) (*regexp.Regexp, error) {
	if h < 0 || int(h) >= len(c.entries) || c.entries[h].free {
		return nil, domain.ErrRegexNotFound
	}
	return c.entries[h].compiled, nil
}

func (c *regexCache) match(h sandbox.RegexHandle, subject string) (bool, []string, error) {
	re, err := c.get(h)
	if err != nil {
		return false, nil, err
	}
	m := re.FindStringSubmatch(subject)
	if m == nil {
		return false, nil, nil
	}
	return true, m, nil
}

func (c *regexCache) subst(h sandbox.RegexHandle, subject, repl string, all bool) (string, int, error) {
	re, err := c.get(h)
	if err != nil {
		return "", 0, err
	}
	count := 0
	if all {
		out := re.ReplaceAllStringFunc(subject, func(m string) string {
			count++
			return repl
		})
		return out, count, nil
	}
	loc := re.FindStringIndex(subject)
	if loc == nil {
		return subject, 0, nil
	}
	return subject[:loc[0]] + repl + subject[loc[1]:], 1, nil
}

func (c *regexCache) free(h sandbox.RegexHandle) error {
	if h < 0 || int(h) >= len(c.entries) || c.entries[h].free {
		return domain.ErrRegexNotFound
	}
	c.entries[h].free = true
	c.entries[h].compiled = nil
	return nil
}
