package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/niels/reqpanel/pkg/config"
	"github.com/niels/reqpanel/pkg/dispatch"
	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/resource"
	"github.com/niels/reqpanel/pkg/retry"
	"github.com/niels/reqpanel/pkg/server"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the listener without the interactive panel",
		Long: `Starts the listener immediately and prints the summary of each handled
request until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sink := observer.NewSink()
			ctrl, err := newController(opts.cfg, sink)
			if err != nil {
				return err
			}

			if err := ctrl.Start(ctx, opts.cfg.Server.Bind, opts.cfg.Server.Port); err != nil {
				logging.ErrorWith("Failed to start listener", map[string]interface{}{
					"bind":  opts.cfg.Server.Bind,
					"port":  opts.cfg.Server.Port,
					"error": err,
				})
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s (%s)\n", ctrl.Addr(), ctrl.Policy())

			for {
				select {
				case <-ctx.Done():
					ctrl.Stop()
					ctrl.Wait()
					logging.Info("Server stopped")
					fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
					return nil
				case u := <-sink.Updates():
					fmt.Fprintln(cmd.OutOrStdout(), u.Summary)
				}
			}
		},
	}
}

// newController wires the dispatch policy selected by the configuration into
// a listener controller
func newController(cfg *config.Config, reporter observer.Reporter) (*server.Controller, error) {
	d, err := newDispatcher(cfg)
	if err != nil {
		return nil, err
	}

	return server.NewController(server.Options{
		Dispatcher:  d,
		Reporter:    reporter,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Millisecond,
		Retry:       retry.FromConfig(cfg.Retry, server.IsAddrInUse),
	}), nil
}

func newDispatcher(cfg *config.Config) (dispatch.Dispatcher, error) {
	switch cfg.Server.Mode {
	case config.ModeDiagnostic:
		return dispatch.NewDiagnostic(), nil
	case config.ModeStatic:
		resolver, err := resource.NewResolver(cfg.Static.Root)
		if err != nil {
			logging.ErrorWith("Failed to open static root", map[string]interface{}{
				"root":  cfg.Static.Root,
				"error": err,
			})
			return nil, fmt.Errorf("failed to open static root: %w", err)
		}
		logging.InfoWith("Serving static files", map[string]interface{}{
			"root":  resolver.Root(),
			"index": cfg.Static.Index,
		})
		types := resource.DefaultContentTypes(cfg.Static.ContentTypes)
		return dispatch.NewStatic(resolver, types, cfg.Static.Index), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Server.Mode)
	}
}
