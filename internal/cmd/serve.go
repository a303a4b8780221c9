package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridian-ai/meridian/internal/backend"
	"github.com/meridian-ai/meridian/internal/config"
	"github.com/meridian-ai/meridian/internal/conversation"
	"github.com/meridian-ai/meridian/internal/memory"
	"github.com/meridian-ai/meridian/internal/persona"
	"github.com/meridian-ai/meridian/internal/server"
	"github.com/meridian-ai/meridian/internal/sweep"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	profile, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		return fmt.Errorf("loading persona: %w", err)
	}
	log.Info().Str("persona", profile.Fingerprint()).Msg("persona_loaded")

	store, err := memory.NewStore(cfg.MemoryDBPath(), cfg.ShortTermCapacity, cfg.SessionTTL())
	if err != nil {
		return fmt.Errorf("initializing memory store: %w", err)
	}
	defer store.Close()

	b, err := backend.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}

	orchestrator := conversation.New(profile, store, b,
		conversation.WithMaxInputChars(cfg.MaxInputChars),
		conversation.WithGenerateTimeout(cfg.GenerateTimeout()),
	)

	sweeper := sweep.NewSweeper(store, cfg.EpisodicRetention)
	if err := sweeper.Register(cfg.RetentionCron); err != nil {
		return fmt.Errorf("registering retention sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.NewServer(orchestrator, store,
		server.WithPersonaName(profile.Name),
		server.WithRateLimiter(server.NewRateLimiter(cfg.GlobalRPM, cfg.PerUserRPM)),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("backend", b.Name()).
		Str("persona", profile.Name).
		Msg("meridian_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
