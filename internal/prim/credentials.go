package prim

import (
	"log/slog"
	"strings"
	"sync"
)

// Credentials is a ring of API tokens. A token that answers 429 is
// rotated out in favour of the next one.
type Credentials struct {
	mu      sync.Mutex
	tokens  []string
	current int
	logger  *slog.Logger
}

// NewCredentials keeps the non-empty tokens in order.
func NewCredentials(tokens []string, logger *slog.Logger) *Credentials {
	c := &Credentials{logger: logger}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			c.tokens = append(c.tokens, t)
		}
	}
	return c
}

// Len returns the number of usable tokens.
func (c *Credentials) Len() int {
	return len(c.tokens)
}

// Current returns the token in use and its index.
func (c *Credentials) Current() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.tokens[c.current]
}

// Rotate moves past token index from. Concurrent callers that saw the same
// rate-limited token rotate only once.
func (c *Credentials) Rotate(from int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != from {
		return
	}
	c.current = (c.current + 1) % len(c.tokens)
	c.logger.Warn("switching API token after rate limit", "from", from, "to", c.current)
}
