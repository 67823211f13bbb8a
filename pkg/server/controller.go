package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/niels/reqpanel/pkg/dispatch"
	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/retry"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of the listener
type State int

const (
	// Idle means no listener has been started yet
	Idle State = iota
	// Listening means the listener is bound and the accept loop is running
	Listening
	// Stopped means the listener was released by Stop
	Stopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BindError is returned by Start when the address cannot be acquired
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// IsAddrInUse reports whether err means the port is taken. It is the
// retry classifier for binding.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// Options configures a Controller
type Options struct {
	// Dispatcher computes the response for each request
	Dispatcher dispatch.Dispatcher
	// Reporter receives an update for each completed request. May be nil.
	Reporter observer.Reporter
	// ReadTimeout bounds how long a client may take to send its request line
	// and headers. It does not apply to writing the response.
	ReadTimeout time.Duration
	// MinWriteRate sizes the write deadline: a response of n bytes gets
	// ReadTimeout plus n/MinWriteRate seconds. Zero uses DefaultMinWriteRate.
	MinWriteRate int
	// Retry controls retrying a failed bind
	Retry retry.Options
	// Now returns the receive timestamp for request records
	Now func() time.Time
}

// Controller owns the network listener and its accept loop. At most one
// listener is active at a time.
type Controller struct {
	mu    sync.Mutex
	state State
	ln    net.Listener
	done  chan struct{}

	opts   Options
	logger zerolog.Logger
}

// NewController creates an idle controller
func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinWriteRate <= 0 {
		opts.MinWriteRate = DefaultMinWriteRate
	}
	return &Controller{
		state:  Idle,
		opts:   opts,
		logger: logging.WithComponent("server"),
	}
}

// Start binds bindAddress:port and runs the accept loop on its own goroutine.
// Calling Start while already listening does nothing. On failure a *BindError
// is returned and the state is left unchanged. Cancelling ctx stops the
// listener as Stop would.
//
// The bind and its retries run without holding the controller lock, so State,
// Addr and Stop stay responsive while a busy port is retried.
func (c *Controller) Start(ctx context.Context, bindAddress string, port int) error {
	c.mu.Lock()
	if c.state == Listening {
		c.logger.Debug().Str("addr", c.ln.Addr().String()).Msg("Already listening")
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.opts.Dispatcher == nil {
		return errors.New("no dispatcher configured")
	}

	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := c.bind(ctx, addr)
	if err != nil {
		c.logger.Error().Err(err).Str("addr", addr).Msg("Failed to bind")
		return &BindError{Addr: addr, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent Start may have won while this one was binding
	if c.state == Listening {
		c.logger.Debug().Str("addr", c.ln.Addr().String()).Msg("Already listening")
		if err := ln.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close surplus listener")
		}
		return nil
	}

	done := make(chan struct{})
	c.ln = ln
	c.done = done
	c.state = Listening

	c.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("policy", c.opts.Dispatcher.Name()).
		Msg("Listening")

	go c.serve(ln, done)
	go func() {
		select {
		case <-ctx.Done():
			c.stopListener(ln)
		case <-done:
		}
	}()

	return nil
}

// bind acquires addr, retrying according to the retry options
func (c *Controller) bind(ctx context.Context, addr string) (net.Listener, error) {
	var ln net.Listener

	retryOpts := c.opts.Retry
	retryOpts.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn().
			Err(err).
			Str("addr", addr).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Bind failed, retrying")
	}

	err := retry.Do(ctx, func() error {
		var listenErr error
		ln, listenErr = net.Listen("tcp", addr)
		return listenErr
	}, retryOpts)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Stop releases the listener. A request that is being handled is finished
// before the accept loop exits; use Wait to block until then.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// stopListener stops only if ln is still the active listener, so a context
// from an earlier session cannot stop a later one.
func (c *Controller) stopListener(ln net.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == ln {
		c.stopLocked()
	}
}

func (c *Controller) stopLocked() {
	if c.state != Listening {
		return
	}
	c.state = Stopped
	if err := c.ln.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close listener")
	}
	c.ln = nil
	c.logger.Info().Msg("Stopped")
}

// Wait blocks until the accept loop of the latest session has exited
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the bound address, or nil when not listening
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Policy returns the name of the active dispatch policy
func (c *Controller) Policy() string {
	if c.opts.Dispatcher == nil {
		return ""
	}
	return c.opts.Dispatcher.Name()
}

// active reports whether ln is still the listener the controller serves
func (c *Controller) active(ln net.Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Listening && c.ln == ln
}
