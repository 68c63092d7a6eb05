package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glitchcube/pkg/server"
	"github.com/go-go-golems/glitchcube/pkg/settings"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation API for Home Assistant",
		Long: "Serve POST /api/v1/conversation plus health and tool introspection routes.\n" +
			"SIGHUP reloads the tool file; SIGINT and SIGTERM drain and stop.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
	cmd.Flags().String("address", ":4567", "Listen address")
	cmd.Flags().String("tools-file", "", "YAML tool registry file")
	cmd.Flags().String("persona", "", "Default persona")
	cmd.Flags().String("store", "memory", "Pending results store (memory, sqlite, redis)")
	cmd.Flags().String("mode", "two-tier", "Model dispatch mode (two-tier, single-tier)")
	return cmd
}

func serve(ctx context.Context, s *settings.Settings) error {
	app, err := buildApp(s)
	if err != nil {
		return err
	}

	// workers and the event router outlive the signal so they can drain
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	app.start(runCtx)

	srv := server.New(s.ServerConfig(), app.orchestrator,
		server.WithRegistry(app.registry),
		server.WithToolStats(app.recorder.ToolStats),
		server.WithCheck("llm", app.models.Ping),
		server.WithCheck("pending_store", app.pending.Ping),
		server.WithCheck("home_assistant", func(ctx context.Context) error {
			if app.homeAssist == nil {
				return errNotConfigured
			}
			return app.homeAssist.Ping(ctx)
		}),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := app.reloadTools(); err != nil {
					log.Error().Err(err).Msg("tool reload failed, keeping the current registry")
				}
			case <-sigCtx.Done():
				return
			}
		}
	}()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(s.Server.Address)
	}()

	select {
	case err = <-listenErr:
		log.Error().Err(err).Msg("server stopped")
	case <-sigCtx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("server shutdown")
	}
	app.shutdown(shutdownCtx)
	return err
}
