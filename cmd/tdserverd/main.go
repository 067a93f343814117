package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/tdcore/internal/admin"
	"github.com/danmuck/tdcore/internal/config"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/danmuck/tdcore/internal/protocol/secure"
	"github.com/danmuck/tdcore/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
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
		Use:          "tdserverd",
		Short:        "Reference backend for tdcore clients",
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
			observability.InitLogger("tdserverd", cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace|debug|info|warn|error|disabled")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write JSON log lines")
	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept client sessions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := config.LoadServerConfig(cfgFile)
			if err != nil {
				return err
			}
			cfg, err := fileCfg.Server()
			if err != nil {
				return err
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			pub := srv.PublicKey()
			log.Info().
				Str("path", cfgFile).
				Uint32("dc_id", srv.DCID()).
				Str("public_key", hex.EncodeToString(pub[:])).
				Msg("loaded server config")

			detach := observability.EnableStatsd(fileCfg.StatsdAddr, "tdserverd")
			defer detach()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if fileCfg.AdminAddr != "" {
				status := func() any {
					return map[string]any{"dc": srv.DCID(), "sessions": srv.SessionCount()}
				}
				a := admin.New(admin.Options{
					ID:          fmt.Sprintf("dc%d", srv.DCID()),
					Addr:        fileCfg.AdminAddr,
					CORSOrigins: fileCfg.CorsOrigins,
					Status:      status,
				})
				g.Go(func() error { return a.Serve(gctx) })
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, server.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "cmd/tdserverd/config.toml", "server config file")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a static X25519 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := secure.GenerateKeyPair(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "static_key = %q\n", hex.EncodeToString(kp.Private[:]))
			fmt.Fprintf(out, "server_key = %q\n", hex.EncodeToString(kp.Public[:]))
			return nil
		},
	}
}
