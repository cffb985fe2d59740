package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkeye/liveroom/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func relayCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "run the signaling relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				g.cfg.Port = port
			}
			return runRelay(cmd.Context(), g)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, overrides the config")
	return cmd
}

func runRelay(parent context.Context, g *globalFlags) error {
	cfg := g.cfg
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var presence relay.Presence = relay.NopPresence{}
	if cfg.Relay.RedisAddr != "" {
		rp, err := relay.NewRedisPresence(ctx, cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB)
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		presence = rp
		log.Info().Str("addr", cfg.Relay.RedisAddr).Msg("presence mirrored to redis")
	}
	defer func() {
		if err := presence.Close(); err != nil {
			log.Warn().Err(err).Msg("presence close")
		}
	}()

	r := relay.SetupRouter(ctx, cfg, relay.NewServer(cfg, presence))
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("liveroom relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
	return nil
}
