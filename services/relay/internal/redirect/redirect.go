// Package redirect validates the web application URLs a login may return to.
package redirect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"github.com/carlossalguero/relay/services/shared/errors"
)

// Field is the query parameter carrying the redirect target.
const Field = "redirect"

// Validation messages.
const (
	MsgNotAbsolute       = "redirect must be an absolute URL"
	MsgNotAuthorized     = "redirect URL is not authorized"
	MsgUnsupportedScheme = "redirect must use http or https"
)

// AllowList matches redirect hosts against shell-style glob patterns.
// '*' matches any run of characters, dots included.
type AllowList struct {
	patterns []string
	globs    []glob.Glob
}

// NewAllowList compiles the given patterns. An empty list rejects every host.
func NewAllowList(patterns []string) (*AllowList, error) {
	al := &AllowList{
		patterns: make([]string, 0, len(patterns)),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid authorized domain pattern %q: %w", p, err)
		}
		al.patterns = append(al.patterns, p)
		al.globs = append(al.globs, g)
	}

	return al, nil
}

// Patterns returns the normalized patterns.
func (al *AllowList) Patterns() []string {
	return append([]string(nil), al.patterns...)
}

// Allowed reports whether host (optionally with a port) matches a pattern.
func (al *AllowList) Allowed(host string) bool {
	host = strings.ToLower(host)
	for _, g := range al.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Validate checks that raw is an absolute http(s) URL whose network location
// is allow-listed, and returns it unchanged.
func (al *AllowList) Validate(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Validation(errors.LocationQueryString, Field, MsgNotAbsolute)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Validation(errors.LocationQueryString, Field, MsgUnsupportedScheme)
	}

	if !al.Allowed(u.Host) {
		return "", errors.Validation(errors.LocationQueryString, Field, MsgNotAuthorized)
	}

	return raw, nil
}
