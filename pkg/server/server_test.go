package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/niels/reqpanel/pkg/dispatch"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/request"
	"github.com/niels/reqpanel/pkg/resource"
	"github.com/niels/reqpanel/pkg/retry"
)

func startController(t *testing.T, d dispatch.Dispatcher) (*Controller, *observer.Sink) {
	t.Helper()
	sink := observer.NewSink()
	c := NewController(Options{
		Dispatcher:  d,
		Reporter:    sink,
		ReadTimeout: 2 * time.Second,
	})
	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		c.Wait()
	})
	return c, sink
}

// rawRequest sends raw bytes and returns the full response
func rawRequest(t *testing.T, addr net.Addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return string(resp)
}

func awaitUpdate(t *testing.T, sink *observer.Sink) observer.Update {
	t.Helper()
	select {
	case u := <-sink.Updates():
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a summary")
		return observer.Update{}
	}
}

func awaitSummary(t *testing.T, sink *observer.Sink) string {
	t.Helper()
	return awaitUpdate(t, sink).Summary
}

func TestDiagnosticRequest(t *testing.T) {
	c, sink := startController(t, dispatch.NewDiagnostic())

	resp := rawRequest(t, c.Addr(), "GET /foo HTTP/1.1\r\nHost: localhost\r\n\r\n")

	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected 200 status line, got %q", resp)
	}
	if !strings.Contains(resp, "Content-Type: text/plain\r\n") {
		t.Errorf("Expected plain text content type, got %q", resp)
	}
	if !strings.HasSuffix(resp, "Content-Length: 0\r\nConnection: close\r\n\r\n") {
		t.Errorf("Expected empty body, got %q", resp)
	}
	if got := awaitSummary(t, sink); got != "method=GET, rawurl=/foo" {
		t.Errorf("Expected summary 'method=GET, rawurl=/foo', got %q", got)
	}
}

func TestSummaryReflectsLastRequestOnly(t *testing.T) {
	c, sink := startController(t, dispatch.NewDiagnostic())

	paths := []string{"/one", "/two", "/three"}
	for _, p := range paths {
		rawRequest(t, c.Addr(), fmt.Sprintf("POST %s HTTP/1.1\r\n\r\n", p))
	}

	// Requests are handled in order; wait for the last one to be reported
	deadline := time.After(5 * time.Second)
	for sink.Current() != "method=POST, rawurl=/three" {
		select {
		case <-deadline:
			t.Fatalf("Expected last summary, got %q", sink.Current())
		case <-sink.Updates():
		}
	}
	if strings.Contains(sink.Current(), "/one") || strings.Contains(sink.Current(), "/two") {
		t.Errorf("Summary accumulated earlier requests: %q", sink.Current())
	}
}

func TestStaticRequestsOverHTTP(t *testing.T) {
	root := t.TempDir()
	css := "body { color: #333; }"
	if err := os.WriteFile(filepath.Join(root, "style.css"), []byte(css), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<p>index</p>"), 0644); err != nil {
		t.Fatal(err)
	}
	resolver, err := resource.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	c, sink := startController(t, dispatch.NewStatic(resolver, resource.DefaultContentTypes(nil), "index.html"))

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + c.Addr().String()

	tests := []struct {
		path        string
		status      int
		contentType string
		body        string
	}{
		{"/style.css", 200, "text/css", css},
		{"/", 200, "text/html", "<p>index</p>"},
		{"/index.html", 200, "text/html", "<p>index</p>"},
		{"/nope.js", 404, "", ""},
	}

	for _, tt := range tests {
		resp, err := client.Get(base + tt.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != tt.status {
			t.Errorf("GET %s: expected %d, got %d", tt.path, tt.status, resp.StatusCode)
		}
		if tt.contentType != "" && resp.Header.Get("Content-Type") != tt.contentType {
			t.Errorf("GET %s: expected content type %q, got %q", tt.path, tt.contentType, resp.Header.Get("Content-Type"))
		}
		if string(body) != tt.body {
			t.Errorf("GET %s: expected body %q, got %q", tt.path, tt.body, body)
		}

		want := fmt.Sprintf("method=GET, rawurl=%s, status=%d", tt.path, tt.status)
		if got := awaitSummary(t, sink); got != want {
			t.Errorf("GET %s: expected summary %q, got %q", tt.path, want, got)
		}
	}
}

func TestMalformedRequestLine(t *testing.T) {
	c, sink := startController(t, dispatch.NewDiagnostic())

	resp := rawRequest(t, c.Addr(), "HELLO\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("Expected 400, got %q", resp)
	}
	if got := awaitSummary(t, sink); !strings.HasPrefix(got, "malformed request:") {
		t.Errorf("Expected malformed summary, got %q", got)
	}

	// The loop keeps serving after a bad request
	resp = rawRequest(t, c.Addr(), "GET /after HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Expected 200 after malformed request, got %q", resp)
	}
}

func TestEmptyConnectionIsNotReported(t *testing.T) {
	c, sink := startController(t, dispatch.NewDiagnostic())

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	rawRequest(t, c.Addr(), "GET /real HTTP/1.1\r\n\r\n")
	if got := awaitSummary(t, sink); got != "method=GET, rawurl=/real" {
		t.Errorf("Expected only the real request to be reported, got %q", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	c, _ := startController(t, dispatch.NewDiagnostic())
	first := c.Addr().String()

	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if c.State() != Listening {
		t.Errorf("Expected listening, got %s", c.State())
	}
	if got := c.Addr().String(); got != first {
		t.Errorf("Second Start bound a new listener: %s != %s", got, first)
	}
}

func TestBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	c := NewController(Options{Dispatcher: dispatch.NewDiagnostic()})
	err = c.Start(context.Background(), "127.0.0.1", port)

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Expected *BindError, got %v", err)
	}
	if !IsAddrInUse(err) {
		t.Errorf("Expected address in use, got %v", err)
	}
	if c.State() != Idle {
		t.Errorf("Expected state to stay idle, got %s", c.State())
	}
	if c.Addr() != nil {
		t.Errorf("Expected no address after failed bind")
	}
}

func TestBindRetrySucceedsOncePortIsFree(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := taken.Addr().(*net.TCPAddr).Port

	attempts := 0
	c := NewController(Options{
		Dispatcher: dispatch.NewDiagnostic(),
		Retry: retry.Options{
			MaxRetries:    10,
			InitialDelay:  20 * time.Millisecond,
			MaxDelay:      50 * time.Millisecond,
			BackoffFactor: 2,
			IsRetryable: func(err error) bool {
				attempts++
				if attempts == 2 {
					taken.Close()
				}
				return IsAddrInUse(err)
			},
		},
	})

	if err := c.Start(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	defer func() {
		c.Stop()
		c.Wait()
	}()
	if c.State() != Listening {
		t.Errorf("Expected listening, got %s", c.State())
	}
}

func TestStopUnblocksAccept(t *testing.T) {
	c := NewController(Options{Dispatcher: dispatch.NewDiagnostic()})
	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	c.Stop()
	if c.State() != Stopped {
		t.Errorf("Expected stopped, got %s", c.State())
	}

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Accept loop did not exit after Stop")
	}

	// Stopping twice is harmless
	c.Stop()
}

func TestContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewController(Options{Dispatcher: dispatch.NewDiagnostic()})
	if err := c.Start(ctx, "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	cancel()

	deadline := time.After(5 * time.Second)
	for c.State() != Stopped {
		select {
		case <-deadline:
			t.Fatalf("Expected stopped after cancel, got %s", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.Wait()
}

func TestRestartAfterStop(t *testing.T) {
	c := NewController(Options{Dispatcher: dispatch.NewDiagnostic(), Reporter: observer.NewSink()})
	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	c.Wait()

	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer func() {
		c.Stop()
		c.Wait()
	}()

	resp := rawRequest(t, c.Addr(), "GET /again HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK") {
		t.Errorf("Expected 200 after restart, got %q", resp)
	}
}

// gatedDispatcher blocks in Dispatch until released
type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDispatcher) Name() string { return "gated" }

func (g *gatedDispatcher) Dispatch(rec request.Record) dispatch.Outcome {
	g.entered <- struct{}{}
	<-g.release
	return dispatch.Outcome{StatusCode: 200, ContentType: "text/plain", Body: []byte("done"), Summary: rec.Summary()}
}

func TestStopFinishesInFlightRequest(t *testing.T) {
	g := &gatedDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sink := observer.NewSink()
	c := NewController(Options{Dispatcher: g, Reporter: sink})
	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	addr := c.Addr()

	respCh := make(chan string, 1)
	go func() {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			respCh <- err.Error()
			return
		}
		defer conn.Close()
		io.WriteString(conn, "GET /slow HTTP/1.1\r\n\r\n")
		line, _ := bufio.NewReader(conn).ReadString('\n')
		respCh <- line
	}()

	<-g.entered
	c.Stop()
	close(g.release)

	select {
	case line := <-respCh:
		if line != "HTTP/1.1 200 OK\r\n" {
			t.Errorf("Expected in-flight request to complete, got %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("In-flight request never completed")
	}

	c.Wait()
	if sink.Current() != "method=GET, rawurl=/slow" {
		t.Errorf("Expected in-flight request to be reported, got %q", sink.Current())
	}
}

func TestOneRequestInFlight(t *testing.T) {
	g := &gatedDispatcher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	c, _ := startController(t, g)
	addr := c.Addr()

	for i := 0; i < 2; i++ {
		go func() {
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				return
			}
			defer conn.Close()
			io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
			io.ReadAll(conn)
		}()
	}

	<-g.entered
	select {
	case <-g.entered:
		t.Fatal("Second request dispatched while the first was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(g.release)
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Second request was never dispatched")
	}
}

func writeSite(t *testing.T, files map[string][]byte) *resource.Resolver {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	resolver, err := resource.NewResolver(root)
	if err != nil {
		t.Fatal(err)
	}
	return resolver
}

func TestSlowReaderReceivesFullBody(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 1<<19) // 8 MiB
	resolver := writeSite(t, map[string][]byte{"big.txt": big})

	sink := observer.NewSink()
	c := NewController(Options{
		Dispatcher:  dispatch.NewStatic(resolver, resource.DefaultContentTypes(nil), "index.html"),
		Reporter:    sink,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err := c.Start(context.Background(), "127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.Stop()
		c.Wait()
	}()

	conn, err := net.Dial("tcp", c.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "GET /big.txt HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	// Wait well past the read timeout before reading anything
	time.Sleep(600 * time.Millisecond)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if len(body) != len(big) {
		t.Fatalf("Truncated body: got %d of %d bytes", len(body), len(big))
	}
	if !bytes.Equal(body, big) {
		t.Errorf("Body content differs from the file")
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	css := "body { color: #333; }"
	resolver := writeSite(t, map[string][]byte{"style.css": []byte(css)})
	c, sink := startController(t, dispatch.NewStatic(resolver, resource.DefaultContentTypes(nil), "index.html"))

	resp := rawRequest(t, c.Addr(), "HEAD /style.css HTTP/1.1\r\n\r\n")

	want := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/css\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(css))
	if resp != want {
		t.Errorf("Expected headers only:\nwant %q\ngot  %q", want, resp)
	}

	u := awaitUpdate(t, sink)
	if u.Summary != "method=HEAD, rawurl=/style.css, status=200" {
		t.Errorf("Unexpected summary %q", u.Summary)
	}
	if len(u.Body) != 0 {
		t.Errorf("Expected no body in the update for HEAD, got %q", u.Body)
	}
}

func TestUpdateCarriesResponseBody(t *testing.T) {
	resolver := writeSite(t, map[string][]byte{"index.html": []byte("<p>index</p>")})
	c, sink := startController(t, dispatch.NewStatic(resolver, resource.DefaultContentTypes(nil), "index.html"))

	rawRequest(t, c.Addr(), "GET / HTTP/1.1\r\n\r\n")
	u := awaitUpdate(t, sink)
	if u.StatusCode != 200 || u.ContentType != "text/html" || string(u.Body) != "<p>index</p>" {
		t.Errorf("Unexpected update %+v", u)
	}
	if u.RequestID == "" {
		t.Errorf("Expected a request id on the update")
	}

	rawRequest(t, c.Addr(), "GET /missing.css HTTP/1.1\r\n\r\n")
	u = awaitUpdate(t, sink)
	if u.StatusCode != 404 || len(u.Body) != 0 {
		t.Errorf("Expected a bodiless 404 update, got %+v", u)
	}
}

func TestStateResponsiveWhileBindRetries(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := taken.Addr().(*net.TCPAddr).Port

	retrying := make(chan struct{}, 1)
	c := NewController(Options{
		Dispatcher: dispatch.NewDiagnostic(),
		Retry: retry.Options{
			MaxRetries:    100,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      50 * time.Millisecond,
			BackoffFactor: 1,
			IsRetryable: func(err error) bool {
				select {
				case retrying <- struct{}{}:
				default:
				}
				return IsAddrInUse(err)
			},
		},
	})

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background(), "127.0.0.1", port) }()

	select {
	case <-retrying:
	case <-time.After(5 * time.Second):
		t.Fatal("Bind was never retried")
	}

	state := make(chan State, 1)
	go func() { state <- c.State() }()
	select {
	case s := <-state:
		if s != Idle {
			t.Errorf("Expected idle while binding, got %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("State blocked while the bind was being retried")
	}

	taken.Close()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Expected Start to succeed once the port is free, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start never returned")
	}
	defer func() {
		c.Stop()
		c.Wait()
	}()
	if c.State() != Listening {
		t.Errorf("Expected listening, got %s", c.State())
	}
}

func TestWriteTimeoutScalesWithBody(t *testing.T) {
	c := NewController(Options{Dispatcher: dispatch.NewDiagnostic(), ReadTimeout: time.Second, MinWriteRate: 1 << 20})

	small := c.writeTimeout(dispatch.Outcome{}, true)
	large := c.writeTimeout(dispatch.Outcome{Body: make([]byte, 4<<20)}, true)
	head := c.writeTimeout(dispatch.Outcome{Body: make([]byte, 4<<20)}, false)

	if small != time.Second {
		t.Errorf("Expected 1s for an empty body, got %s", small)
	}
	if large != 5*time.Second {
		t.Errorf("Expected 5s for 4 MiB at 1 MiB/s, got %s", large)
	}
	if head != time.Second {
		t.Errorf("Expected HEAD to ignore body size, got %s", head)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Listening: "listening", Stopped: "stopped", State(9): "State(9)"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
