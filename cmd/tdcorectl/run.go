package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/tdcore/client"
	"github.com/danmuck/tdcore/internal/admin"
	"github.com/danmuck/tdcore/internal/conn"
	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type updateLine struct {
	Seq  uint64          `json:"seq"`
	Kind string          `json:"kind"`
	Date uint64          `json:"date"`
	Body json.RawMessage `json:"body,omitempty"`
}

func newRunCmd() *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and print updates as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.New(ctx, client.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer c.Close()
			sub := c.Subscribe(kinds...)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Run(gctx) })
			g.Go(func() error { return printUpdates(gctx, cmd.OutOrStdout(), sub.C()) })
			if cfg.AdminAddr != "" {
				srv := admin.New(admin.Options{
					ID:     "tdcorectl",
					Addr:   cfg.AdminAddr,
					Ready:  readyCheck(c),
					Status: func() any { return clientStatus(c) },
				})
				g.Go(func() error { return srv.Serve(gctx) })
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only print updates of these kinds")
	return cmd
}

func printUpdates(ctx context.Context, w io.Writer, updates <-chan session.Update) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			line := updateLine{Seq: u.Seq, Kind: u.Kind, Date: u.TimestampMS}
			if json.Valid(u.Body) {
				line.Body = u.Body
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}
}

func readyCheck(c *client.Client) func() error {
	return func() error {
		if s := c.State(); s != conn.StateReady {
			return fmt.Errorf("connection %s", s)
		}
		return nil
	}
}

func clientStatus(c *client.Client) map[string]any {
	st := c.UpdateState()
	return map[string]any{
		"state":   c.State().String(),
		"dc":      c.DC(),
		"seq":     st.Seq,
		"pending": len(c.Pending()),
	}
}

func newInvokeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "invoke <method> [json-body]",
		Short: "Call one method and print the answer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var body []byte
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("body is not valid JSON")
				}
				body = []byte(args[1])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := client.New(ctx, client.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer c.Close()
			go func() {
				if err := c.Run(ctx); err != nil {
					log.Warn().Err(err).Msg("client stopped")
				}
			}()

			out, err := c.Invoke(ctx, args[0], body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
