package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	router "github.com/dkeye/voicemesh/internal/adapters/http"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRelayCmd(a *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), a)
		},
	}
	cmd.Flags().Int("port", 0, "listen port")
	_ = a.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func runRelay(ctx context.Context, a *cli) error {
	hub := relay.NewHub(app.KickPolicy{})
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, a.cfg, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "relay").Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "relay").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info().Str("module", "relay").Msg("relay exited gracefully")
		return nil
	})
	return g.Wait()
}
