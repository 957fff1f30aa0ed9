package resource

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy decides which origins the engine will talk to. Patterns are
// doublestar globs matched against the host and against host/path, e.g.
// "*.tracker.example" or "cdn.example.com/ads/**".
type Policy struct {
	patterns []string
}

// NewPolicy validates every pattern up front so a bad blocklist fails at
// startup instead of silently never matching.
func NewPolicy(patterns []string) (*Policy, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid blocklist pattern %q", p)
		}
	}
	return &Policy{patterns: patterns}, nil
}

// Allowed reports whether a URL passes the blocklist.
func (p *Policy) Allowed(u *url.URL) bool {
	if len(p.patterns) == 0 {
		return true
	}

	host := strings.ToLower(u.Hostname())
	hostPath := host + u.EscapedPath()

	for _, pattern := range p.patterns {
		if ok, _ := doublestar.Match(pattern, host); ok {
			return false
		}
		if ok, _ := doublestar.Match(pattern, hostPath); ok {
			return false
		}
	}
	return true
}

// Patterns returns the active blocklist for debug output.
func (p *Policy) Patterns() []string {
	out := make([]string, len(p.patterns))
	copy(out, p.patterns)
	return out
}
