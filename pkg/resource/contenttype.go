package resource

import (
	"path"
	"sort"
	"strings"
)

// DefaultContentType is returned for extensions that are not in the table
const DefaultContentType = "text/html"

// Rule maps a file extension (with its leading dot) to a MIME type
type Rule struct {
	Ext  string
	MIME string
}

// ContentTypes is an ordered extension to MIME table with a default fallback.
// It is built once at startup and only read afterwards.
type ContentTypes struct {
	rules    []Rule
	fallback string
}

// DefaultRules is the built-in extension table
var DefaultRules = []Rule{
	{".html", "text/html"},
	{".htm", "text/html"},
	{".js", "text/javascript"},
	{".css", "text/css"},
	{".json", "application/json"},
	{".txt", "text/plain"},
	{".png", "image/png"},
	{".jpg", "image/jpeg"},
	{".jpeg", "image/jpeg"},
	{".gif", "image/gif"},
	{".svg", "image/svg+xml"},
	{".ico", "image/x-icon"},
}

// NewContentTypes builds a table from rules. A later rule for an extension
// already present replaces the earlier MIME type in place.
func NewContentTypes(fallback string, rules ...Rule) *ContentTypes {
	if fallback == "" {
		fallback = DefaultContentType
	}
	ct := &ContentTypes{fallback: fallback}
	for _, r := range rules {
		ct.add(r)
	}
	return ct
}

// DefaultContentTypes returns the built-in table extended with extra pairs,
// typically the content_types section of the configuration.
func DefaultContentTypes(extra map[string]string) *ContentTypes {
	ct := NewContentTypes(DefaultContentType, DefaultRules...)
	for _, ext := range sortedKeys(extra) {
		ct.add(Rule{Ext: ext, MIME: extra[ext]})
	}
	return ct
}

func (ct *ContentTypes) add(r Rule) {
	ext := normalizeExt(r.Ext)
	if ext == "" || r.MIME == "" {
		return
	}
	for i := range ct.rules {
		if ct.rules[i].Ext == ext {
			ct.rules[i].MIME = r.MIME
			return
		}
	}
	ct.rules = append(ct.rules, Rule{Ext: ext, MIME: r.MIME})
}

// Lookup returns the MIME type for the extension of name
func (ct *ContentTypes) Lookup(name string) string {
	ext := strings.ToLower(path.Ext(name))
	for _, r := range ct.rules {
		if r.Ext == ext {
			return r.MIME
		}
	}
	return ct.fallback
}

// Rules returns a copy of the table in lookup order
func (ct *ContentTypes) Rules() []Rule {
	out := make([]Rule, len(ct.rules))
	copy(out, ct.rules)
	return out
}

// Default returns the fallback MIME type
func (ct *ContentTypes) Default() string {
	return ct.fallback
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// sortedKeys keeps configured additions in a stable order
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
