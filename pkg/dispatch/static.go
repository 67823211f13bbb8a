package dispatch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/request"
	"github.com/rs/zerolog"
)

// Source is the resource lookup the static policy serves from
type Source interface {
	Exists(urlPath string) bool
	Read(urlPath string) ([]byte, error)
}

// TypeTable resolves a resource name to its MIME type
type TypeTable interface {
	Lookup(name string) string
}

// Static serves files from a Source
type Static struct {
	source Source
	types  TypeTable
	index  string
	logger zerolog.Logger
}

// NewStatic creates the static policy. index is the resource served for "/".
func NewStatic(source Source, types TypeTable, index string) *Static {
	return &Static{
		source: source,
		types:  types,
		index:  strings.TrimPrefix(index, "/"),
		logger: logging.WithComponent("static"),
	}
}

// Name identifies the policy
func (s *Static) Name() string { return "static" }

// Resolve maps a raw request target to the resource path that is looked up.
// The query and fragment are dropped and "/" becomes the index resource.
func (s *Static) Resolve(rawPath string) string {
	p := rawPath
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if p == "" || p == "/" {
		return "/" + s.index
	}
	return p
}

// Dispatch looks the resource up and returns its bytes, 404 or 500
func (s *Static) Dispatch(rec request.Record) Outcome {
	name := s.Resolve(rec.RawPath())
	contentType := s.types.Lookup(name)

	if !s.source.Exists(name) {
		return s.outcome(rec, Outcome{StatusCode: 404})
	}

	body, err := s.source.Read(name)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("request_id", rec.ID()).
			Str("resource", name).
			Msg("Failed to read resource")
		return s.outcome(rec, Outcome{StatusCode: 500, ErrorKind: ErrorReadFailure})
	}

	return s.outcome(rec, Outcome{
		StatusCode:  200,
		ContentType: contentType,
		Body:        body,
	})
}

func (s *Static) outcome(rec request.Record, o Outcome) Outcome {
	o.Summary = fmt.Sprintf("%s, status=%d", rec.Summary(), o.StatusCode)
	return o
}
