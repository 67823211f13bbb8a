package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/niels/reqpanel/pkg/dispatch"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/request"
)

const (
	// maxHeaderBytes bounds how much of the header block is skipped before
	// the response is written
	maxHeaderBytes = 64 << 10
	// lingerTimeout bounds the drain of unread input after the response
	lingerTimeout  = 250 * time.Millisecond
	maxLingerBytes = 256 << 10
)

// DefaultMinWriteRate is the slowest transfer, in bytes per second, a client
// may read a response at before the write is abandoned
const DefaultMinWriteRate = 64 << 10

// serve is the accept loop for one listen session. It handles one connection
// at a time and exits when the listener is closed or the controller no longer
// serves ln.
func (c *Controller) serve(ln net.Listener, done chan struct{}) {
	defer close(done)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.active(ln) {
				c.logger.Debug().Msg("Accept loop exiting")
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			c.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("Accept failed")
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		c.handle(conn)

		if !c.active(ln) {
			c.logger.Debug().Msg("Listener stopped, accept loop exiting")
			return
		}
	}
}

// handle serves a single connection: read the request line, dispatch, write
// the response, close, then report.
func (c *Controller) handle(conn net.Conn) {
	start := time.Now()
	if c.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(start.Add(c.opts.ReadTimeout))
	}

	br := bufio.NewReader(conn)
	rec, err := request.Read(br, c.opts.Now)

	var outcome dispatch.Outcome
	switch {
	case errors.Is(err, request.ErrEmptyRequest):
		c.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Client closed without a request")
		_ = conn.Close()
		return
	case errors.Is(err, request.ErrMalformedRequestLine):
		c.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Malformed request line")
		outcome = dispatch.Malformed(err)
	case err != nil:
		c.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Failed to read request")
		_ = conn.Close()
		return
	default:
		skipHeaders(br)
		outcome = c.opts.Dispatcher.Dispatch(rec)
	}

	withBody := rec.Method() != "HEAD"
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout(outcome, withBody)))

	writeErr := writeOutcome(conn, outcome, withBody)
	if writeErr != nil {
		c.logger.Warn().Err(writeErr).Str("request_id", rec.ID()).Msg("Failed to write response")
	}
	closeConn(conn, br)

	if c.opts.Reporter != nil {
		u := observer.Update{
			RequestID:   rec.ID(),
			Summary:     outcome.Summary,
			StatusCode:  outcome.StatusCode,
			ContentType: outcome.ContentType,
		}
		if withBody {
			u.Body = outcome.Body
		}
		c.opts.Reporter.Report(u)
	}

	event := c.logger.Info()
	if outcome.StatusCode >= 500 || writeErr != nil {
		event = c.logger.Error().Err(writeErr)
	}
	event.
		Str("request_id", rec.ID()).
		Str("method", rec.Method()).
		Str("path", rec.RawPath()).
		Int("status", outcome.StatusCode).
		Int("bytes", len(outcome.Body)).
		Str("error_kind", string(outcome.ErrorKind)).
		Dur("duration", time.Since(start)).
		Msg("Request served")
}

// writeTimeout gives the response the read timeout as a base plus time to
// move the body at MinWriteRate
func (c *Controller) writeTimeout(o dispatch.Outcome, withBody bool) time.Duration {
	base := c.opts.ReadTimeout
	if base <= 0 {
		base = 5 * time.Second
	}
	if !withBody {
		return base
	}
	return base + time.Duration(len(o.Body))*time.Second/time.Duration(c.opts.MinWriteRate)
}

// skipHeaders consumes the header block up to the blank line so the client
// does not see a reset when the connection closes. Headers are not parsed.
func skipHeaders(br *bufio.Reader) {
	read := 0
	for read < maxHeaderBytes {
		line, err := br.ReadSlice('\n')
		read += len(line)
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
		if err == nil && (len(line) == 1 || (len(line) == 2 && line[0] == '\r')) {
			return
		}
	}
}

// writeOutcome writes o as an HTTP/1.1 response with Connection: close.
// Content-Length always describes o.Body; the body itself is left out when
// withBody is false, as a HEAD response requires.
func writeOutcome(w io.Writer, o dispatch.Outcome, withBody bool) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", o.StatusCode, http.StatusText(o.StatusCode))
	if o.ContentType != "" {
		fmt.Fprintf(bw, "Content-Type: %s\r\n", o.ContentType)
	}
	fmt.Fprintf(bw, "Content-Length: %d\r\n", len(o.Body))
	fmt.Fprintf(bw, "Connection: close\r\n\r\n")
	if withBody {
		bw.Write(o.Body)
	}

	return bw.Flush()
}

// closeConn half-closes the write side and drains what the client still
// sends for a short while before closing, so the response is not lost to a
// TCP reset.
func closeConn(conn net.Conn, br *bufio.Reader) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(br, maxLingerBytes))
		}
	}
	_ = conn.Close()
}
