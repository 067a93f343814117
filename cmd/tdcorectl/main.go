package main

import (
	"fmt"
	"os"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/config"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tdcorectl",
		Short:        "Drive a tdcore client from the command line",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := logging.Resolve(logging.ProfileRuntime)
			if logJSON {
				cfg.JSON = true
			}
			if logLevel != "" {
				lvl, ok := logging.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("unknown log level %q", logLevel)
				}
				cfg.Level = lvl
			}
			observability.InitLogger("tdcorectl", cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "cmd/tdcorectl/config.toml", "client config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace|debug|info|warn|error|disabled")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write JSON log lines")

	root.AddCommand(newRunCmd(), newInvokeCmd(), newConfiggenCmd(), newVersionCmd())
	return root
}

func loadConfig() (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		return config.ClientConfig{}, err
	}
	log.Info().Str("path", cfgFile).Uint32("dc_id", cfg.DC).Msg("loaded client config")
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the library version and artifact coordinates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			return err
		},
	}
}

func newConfiggenCmd() *cobra.Command {
	var (
		kind     string
		output   string
		validate bool
		input    string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "configgen",
		Short: "Write a config template or validate an existing file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				path := input
				if path == "" {
					path = defaultConfigPath(kind)
				}
				if err := config.Validate(path, kind); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", kind, path)
				return nil
			}
			target := output
			if target == "" {
				target = defaultConfigPath(kind)
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "client", "config kind: client|server")
	cmd.Flags().StringVar(&output, "output", "", "output path for the template")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate an existing config file")
	cmd.Flags().StringVar(&input, "input", "", "config path for validation (defaults to per-kind cmd path)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func defaultConfigPath(kind string) string {
	if kind == "server" {
		return "cmd/tdserverd/config.toml"
	}
	return "cmd/tdcorectl/config.toml"
}
