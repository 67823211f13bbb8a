package cmd

import (
	"fmt"
	"os"

	"github.com/niels/reqpanel/pkg/config"
	"github.com/niels/reqpanel/pkg/logging"
	"github.com/niels/reqpanel/pkg/version"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by all subcommands
type rootOptions struct {
	configPath  string
	debug       bool
	showVersion bool
	noColor     bool

	mode  string
	bind  string
	port  int
	root  string
	index string

	cfg *config.Config
}

// NewRootCmd creates the root command for reqpanel
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   version.AppName,
		Short: version.Description,
		Long: fmt.Sprintf(`%s - %s

Runs an HTTP listener that handles one connection at a time, either echoing
each request (diagnostic mode) or serving files from a directory (static mode),
and shows the last request it handled.
`, version.AppName, version.Description),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadDefault()
			config.ApplyEnv(cfg)
			if opts.configPath != "" {
				loaded, err := config.Load(opts.configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				cfg = loaded
			}

			if err := opts.applyFlags(cmd, cfg); err != nil {
				return err
			}
			opts.cfg = cfg

			logging.InitGlobalLogger(opts.debug, cfg.Logging, cmd.ErrOrStderr())
			logging.InfoWith("Configuration loaded", map[string]interface{}{
				"config": opts.configPath,
				"mode":   cfg.Server.Mode,
				"bind":   cfg.Server.Bind,
				"port":   cfg.Server.Port,
			})
			if opts.debug {
				logging.Debug("Debug logging enabled")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if err := logging.Close(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close log file: %v\n", err)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
				return nil
			}
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging to stderr")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	flags.StringVarP(&opts.mode, "mode", "m", config.ModeDiagnostic, "Dispatch policy: diagnostic or static")
	flags.StringVarP(&opts.bind, "bind", "b", "", "Address to bind (default all interfaces)")
	flags.IntVarP(&opts.port, "port", "p", config.DefaultDiagnosticPort, "Port to listen on")
	flags.StringVarP(&opts.root, "root", "r", ".", "Directory served in static mode")
	flags.StringVar(&opts.index, "index", "index.html", "Resource served for / in static mode")
	rootCmd.Flags().BoolVarP(&opts.showVersion, "version", "v", false, "Show version information")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newPanelCmd(opts))

	return rootCmd
}

// applyFlags lets flags given on the command line override the configuration
func (o *rootOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("mode") {
		cfg.Server.Mode = o.mode
		if o.mode == config.ModeStatic && !flags.Changed("port") && cfg.Server.Port == config.DefaultDiagnosticPort {
			cfg.Server.Port = config.DefaultStaticPort
		}
	}
	if flags.Changed("bind") {
		cfg.Server.Bind = o.bind
	}
	if flags.Changed("port") {
		cfg.Server.Port = o.port
	}
	if flags.Changed("root") {
		cfg.Static.Root = o.root
	}
	if flags.Changed("index") {
		cfg.Static.Index = o.index
	}
	if o.noColor {
		cfg.Panel.Color = false
	}

	return cfg.Validate()
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
