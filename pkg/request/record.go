package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxLineLength bounds the request line. Longer lines are rejected as malformed.
const MaxLineLength = 8 << 10

// Common errors
var (
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrEmptyRequest         = errors.New("connection closed before a request line was sent")
)

// Record is the immutable description of one accepted request
type Record struct {
	id         string
	method     string
	rawPath    string
	proto      string
	receivedAt time.Time
}

// NewRecord builds a record from already parsed parts
func NewRecord(method, rawPath, proto string, receivedAt time.Time) Record {
	return Record{
		id:         uuid.New().String(),
		method:     method,
		rawPath:    rawPath,
		proto:      proto,
		receivedAt: receivedAt,
	}
}

// ID returns the unique request id used for log correlation
func (r Record) ID() string { return r.id }

// Method returns the request method exactly as sent
func (r Record) Method() string { return r.method }

// RawPath returns the request target exactly as sent, query included
func (r Record) RawPath() string { return r.rawPath }

// Proto returns the protocol version token, e.g. "HTTP/1.1"
func (r Record) Proto() string { return r.proto }

// ReceivedAt returns the time the request line was read
func (r Record) ReceivedAt() time.Time { return r.receivedAt }

// Summary returns the one-line description shown to observers
func (r Record) Summary() string {
	return fmt.Sprintf("method=%s, rawurl=%s", r.method, r.rawPath)
}

// Read reads the request line from br and returns the resulting record.
// Headers and body are left unread.
func Read(br *bufio.Reader, now func() time.Time) (Record, error) {
	line, err := readLine(br)
	if err != nil {
		return Record{}, err
	}

	method, rawPath, proto, err := ParseLine(line)
	if err != nil {
		return Record{}, err
	}

	if now == nil {
		now = time.Now
	}
	return NewRecord(method, rawPath, proto, now()), nil
}

// ParseLine splits a request line into method, target and protocol
func ParseLine(line string) (method, rawPath, proto string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedRequestLine, len(parts))
	}
	method, rawPath, proto = parts[0], parts[1], parts[2]

	if !isToken(method) {
		return "", "", "", fmt.Errorf("%w: invalid method %q", ErrMalformedRequestLine, method)
	}
	if rawPath == "" {
		return "", "", "", fmt.Errorf("%w: empty request target", ErrMalformedRequestLine)
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return "", "", "", fmt.Errorf("%w: invalid protocol %q", ErrMalformedRequestLine, proto)
	}
	return method, rawPath, proto, nil
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := br.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > MaxLineLength {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedRequestLine, MaxLineLength)
		}
		switch {
		case err == nil:
			return strings.TrimRight(sb.String(), "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if sb.Len() == 0 {
				return "", ErrEmptyRequest
			}
			return "", fmt.Errorf("%w: unterminated line", ErrMalformedRequestLine)
		default:
			return "", fmt.Errorf("failed to read request line: %w", err)
		}
	}
}

// isToken reports whether s is a valid HTTP method token
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}
