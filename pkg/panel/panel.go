package panel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/server"
	"github.com/rs/zerolog"
)

// Listener is the part of the listener controller the panel drives
type Listener interface {
	Start(ctx context.Context, bindAddress string, port int) error
	Stop()
	State() server.State
	Addr() net.Addr
	Policy() string
}

// Options configures a Panel
type Options struct {
	Bind     string
	Port     int
	UseColor bool
	// Preview, when set, is shown below each summary
	Preview *Previewer
	// Now stamps rendered summaries
	Now func() time.Time
}

// Panel is the console presentation surface: it toggles the listener on
// command and shows the summary of the last completed request.
type Panel struct {
	writer   io.Writer
	listener Listener
	updates  <-chan observer.Update
	opts     Options
	logger   zerolog.Logger

	// current is the displayed request, owned by the Run goroutine
	current observer.Update

	title   *color.Color
	good    *color.Color
	bad     *color.Color
	summary *color.Color
	faint   *color.Color
}

// New creates a panel that drives listener and displays values from updates
func New(listener Listener, updates <-chan observer.Update, opts Options) *Panel {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Panel{
		writer:   os.Stdout,
		listener: listener,
		updates:  updates,
		opts:     opts,
		logger:   logging.WithComponent("panel"),
		title:    color.New(color.Bold, color.FgBlue),
		good:     color.New(color.FgGreen),
		bad:      color.New(color.FgRed),
		summary:  color.New(color.FgCyan),
		faint:    color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.title, p.good, p.bad, p.summary, p.faint} {
		if opts.UseColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// WithWriter sets the writer for the panel
func (p *Panel) WithWriter(writer io.Writer) *Panel {
	p.writer = writer
	return p
}

// Current returns the summary currently on display
func (p *Panel) Current() string {
	return p.current.Summary
}

// Run reads commands from input and renders updates until quit, end of input
// or ctx is done. The listener is stopped on return.
func (p *Panel) Run(ctx context.Context, input io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case commands <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	defer p.listener.Stop()

	p.title.Fprintln(p.writer, "reqpanel")
	p.faint.Fprintln(p.writer, "commands: start, stop, status, quit")
	p.renderStatus()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-p.updates:
			p.show(u)
		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			if quit := p.execute(ctx, cmd); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the panel should exit
func (p *Panel) execute(ctx context.Context, cmd string) bool {
	switch strings.ToLower(cmd) {
	case "":
	case "start":
		if err := p.listener.Start(ctx, p.opts.Bind, p.opts.Port); err != nil {
			p.bad.Fprintf(p.writer, "Failed to start: %v\n", err)
			return false
		}
		p.renderStatus()
	case "stop":
		p.listener.Stop()
		p.renderStatus()
	case "status":
		p.renderStatus()
		if p.current.Summary != "" {
			p.show(p.current)
		}
	case "quit", "exit":
		return true
	case "help":
		p.faint.Fprintln(p.writer, "commands: start, stop, status, quit")
	default:
		p.bad.Fprintf(p.writer, "Unknown command %q\n", cmd)
	}
	return false
}

// show replaces the displayed request. The preview comes from the same
// update as the summary.
func (p *Panel) show(u observer.Update) {
	p.current = u
	p.logger.Debug().Str("request_id", u.RequestID).Str("summary", u.Summary).Msg("Displaying summary")

	stamp := p.opts.Now().Format("15:04:05")
	fmt.Fprintf(p.writer, "%s %s\n", p.faint.Sprintf("[%s]", stamp), p.summary.Sprint(u.Summary))

	if p.opts.Preview != nil {
		if text := p.opts.Preview.Render(u); text != "" {
			fmt.Fprintln(p.writer, text)
		}
	}
}

func (p *Panel) renderStatus() {
	state := p.listener.State()
	switch state {
	case server.Listening:
		addr := ""
		if a := p.listener.Addr(); a != nil {
			addr = a.String()
		}
		p.good.Fprintf(p.writer, "Server is listening on %s (%s)\n", addr, p.listener.Policy())
	case server.Stopped:
		p.bad.Fprintln(p.writer, "Server is stopped")
	default:
		p.faint.Fprintln(p.writer, "Server is idle")
	}
}
