package panel

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/quick"
	"github.com/niels/reqpanel/pkg/observer"
)

// Previewer renders a highlighted excerpt of a successful response body
type Previewer struct {
	maxBytes int
	useColor bool
}

// NewPreviewer creates a previewer that shows at most maxBytes of a body
func NewPreviewer(maxBytes int, useColor bool) *Previewer {
	if maxBytes <= 0 {
		maxBytes = 512
	}
	return &Previewer{maxBytes: maxBytes, useColor: useColor}
}

// Render returns the preview for the response carried by u, or an empty
// string when it has no text body worth showing
func (p *Previewer) Render(u observer.Update) string {
	if u.StatusCode != 200 || len(u.Body) == 0 || !isText(u.ContentType, u.Body) {
		return ""
	}

	body := u.Body
	truncated := false
	if len(body) > p.maxBytes {
		body = body[:p.maxBytes]
		for len(body) > 0 && !utf8.Valid(body) {
			body = body[:len(body)-1]
		}
		truncated = true
	}

	text := string(body)
	if p.useColor {
		if lexer := lexers.MatchMimeType(mediaType(u.ContentType)); lexer != nil {
			var buf bytes.Buffer
			if err := quick.Highlight(&buf, text, lexer.Config().Name, "terminal16m", "monokai"); err == nil {
				text = buf.String()
			}
		}
	}
	if truncated {
		text += "\n..."
	}
	return text
}

// mediaType strips parameters such as charset from a content type
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isText(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "image/svg+xml", strings.HasSuffix(mt, "javascript"):
		return true
	case strings.HasPrefix(mt, "image/"):
		return false
	}
	return utf8.Valid(body)
}
