package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/observer"
	"github.com/niels/reqpanel/pkg/panel"
	"github.com/spf13/cobra"
)

func newPanelCmd(opts *rootOptions) *cobra.Command {
	var autostart bool

	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Control the listener interactively",
		Long: `Opens a console panel. Type start or stop to toggle the listener, status to
show its state, quit to leave. The panel shows the last request handled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := opts.cfg
			sink := observer.NewSink()

			var preview *panel.Previewer
			if cfg.Panel.Preview {
				preview = panel.NewPreviewer(cfg.Panel.PreviewBytes, cfg.Panel.Color)
			}

			ctrl, err := newController(cfg, sink)
			if err != nil {
				return err
			}

			p := panel.New(ctrl, sink.Updates(), panel.Options{
				Bind:     cfg.Server.Bind,
				Port:     cfg.Server.Port,
				UseColor: cfg.Panel.Color,
				Preview:  preview,
			}).WithWriter(cmd.OutOrStdout())

			if autostart {
				if err := ctrl.Start(ctx, cfg.Server.Bind, cfg.Server.Port); err != nil {
					logging.ErrorWith("Autostart failed", map[string]interface{}{
						"port":  cfg.Server.Port,
						"error": err,
					})
					return err
				}
			}

			err = p.Run(ctx, cmd.InOrStdin())
			ctrl.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start the listener when the panel opens")
	return cmd
}
