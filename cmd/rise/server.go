package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/risehq/rise/pkg/api"
	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/backend/kubernetes"
	"github.com/risehq/rise/pkg/backend/local"
	"github.com/risehq/rise/pkg/config"
	"github.com/risehq/rise/pkg/controller"
	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/token"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

const shutdownTimeout = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Rise control plane",
	Long: `Run the Rise control plane: the HTTP API, the deployment controller
loops and the selected backend, all in one process.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "rise.yaml", "Path to the configuration file")
	serverCmd.Flags().Bool("migrate", false, "Run database migrations before starting")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	migrate, _ := cmd.Flags().GetBool("migrate")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(cfg.Log.LogConfig())
	metrics.SetVersion(Version)

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	if migrate {
		if err := st.MigrateUp(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	metrics.UpdateComponent("store", true, "")

	collector := metrics.NewCollector(st)
	collector.Start()

	signer, err := token.NewSigner(cfg.Token)
	if err != nil {
		return err
	}
	calc := urls.NewCalculator(cfg.URLs)

	broker := events.NewBroker()
	broker.Start()

	registryCreds := cfg.Registry.Credentials()
	be, err := buildBackend(cfg, st, calc, registryCreds)
	if err != nil {
		return err
	}
	if err := be.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	metrics.UpdateComponent("backend", true, "")

	ctrl := controller.New(cfg.Controller, st, be, broker)
	ctrl.Start()

	var credsSource api.CredentialSource
	if registryCreds != nil {
		credsSource = kubernetes.StaticCredentials(*registryCreds)
	}
	apiServer := api.NewServer(cfg.API, st, be, signer, calc, broker, credsSource)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()
	metrics.UpdateComponent("api", true, "")

	log.WithComponent("main").Info().
		Str("version", Version).
		Str("backend", cfg.Backend.Kind).
		Msg("rise started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.WithComponent("main").Error().Err(err).Msg("shutting down")
	}

	// Stop taking requests first, then wind the loops down so in-flight
	// transitions commit before the store closes.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("api shutdown failed")
	}
	ctrl.Stop()
	be.Stop()
	collector.Stop()
	broker.Stop()

	log.WithComponent("main").Info().Msg("shutdown complete")
	return nil
}

func buildBackend(cfg *config.Config, st store.Store, calc *urls.Calculator, creds *types.RegistryCredentials) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendKubernetes:
		var source kubernetes.CredentialSource
		if creds != nil {
			source = kubernetes.StaticCredentials(*creds)
		}
		return kubernetes.New(cfg.Backend.Kubernetes, st, calc, source)
	case config.BackendLocal:
		return local.New(cfg.Backend.Local, st, calc)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}
