package domain

import (
	"net/url"
	"strings"
	"time"
	"unicode"
)

// PayloadPlaceholder is replaced in transform queries with the name of the
// ephemeral relation holding the current payload.
const PayloadPlaceholder = "{{payload}}"

// InactivePrefix marks the path of a deactivated endpoint.
const InactivePrefix = "/inactive_"

// reservedPaths are served by POST management routes, which take priority
// over ingestion.
var reservedPaths = map[string]bool{
	"/":             true,
	"/register":     true,
	"/query":        true,
	"/upload_table": true,
	"/register_udf": true,
	"/echo-webhook": true,
}

// Endpoint is a registered webhook path with its transformation, filter and
// destination.
type Endpoint struct {
	ID             string    `json:"id" db:"id"`
	Path           string    `json:"source_path" db:"source_path"`
	DestinationURL string    `json:"destination_url" db:"destination_url"`
	TransformQuery string    `json:"transform_query" db:"transform_query"`
	FilterQuery    *string   `json:"filter_query" db:"filter_query"`
	Owner          string    `json:"owner" db:"owner"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Active reports whether the endpoint still receives events.
func (e *Endpoint) Active() bool {
	return !strings.HasPrefix(e.Path, InactivePrefix)
}

// InactivePath returns the path under which a deactivated endpoint is parked.
// The original path is kept as a suffix so it can be restored.
func (e *Endpoint) InactivePath() string {
	return InactivePrefix + e.ID + e.Path
}

// OriginalPath returns the path an inactive endpoint had before it was parked.
func (e *Endpoint) OriginalPath() string {
	if !e.Active() {
		rest := strings.TrimPrefix(e.Path, InactivePrefix+e.ID)
		if rest == "" || rest == e.Path {
			return "/" + e.ID
		}
		return rest
	}
	return e.Path
}

// EndpointConfig is the operator-supplied part of an Endpoint.
type EndpointConfig struct {
	Path           string  `json:"source_path"`
	DestinationURL string  `json:"destination_url"`
	TransformQuery string  `json:"transform_query"`
	FilterQuery    *string `json:"filter_query,omitempty"`
	Owner          string  `json:"owner"`
}

// Normalize applies leading-slash normalization and clears blank filters.
func (c *EndpointConfig) Normalize() {
	c.Path = NormalizePath(strings.TrimSpace(c.Path))
	c.DestinationURL = strings.TrimSpace(c.DestinationURL)
	if c.FilterQuery != nil && strings.TrimSpace(*c.FilterQuery) == "" {
		c.FilterQuery = nil
	}
}

// Validate checks the config after Normalize.
func (c *EndpointConfig) Validate() error {
	if c.Path == "/" || c.Path == "" {
		return Invalid("source_path is required")
	}
	if strings.ContainsAny(c.Path, "?#") || strings.IndexFunc(c.Path, unicode.IsSpace) >= 0 {
		return Invalid("source_path %q must not contain whitespace, '?' or '#'", c.Path)
	}
	if strings.HasPrefix(c.Path, InactivePrefix) {
		return Invalid("source_path must not start with %s", InactivePrefix)
	}
	if reservedPaths[c.Path] {
		return Invalid("source_path %q is reserved", c.Path)
	}

	u, err := url.Parse(c.DestinationURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Invalid("destination_url %q must be an absolute http(s) URL", c.DestinationURL)
	}

	if !strings.Contains(c.TransformQuery, PayloadPlaceholder) {
		return Invalid("transform_query must include %s placeholder", PayloadPlaceholder)
	}
	if strings.TrimSpace(c.Owner) == "" {
		return Invalid("owner is required")
	}
	return nil
}

// NormalizePath makes sure a path starts with a slash.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Sanitize replaces every rune that is not an ASCII letter or digit with an
// underscore so the result can be embedded in an identifier.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
