package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/logger"
	"github.com/ensembleworks/ensemble/server"
)

// ServerCmd starts the Ensemble API server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the Ensemble HTTP/WebSocket API server",
	Long: `Launch the Ensemble server: persona and workflow management, analysis
execution, follow-up chat, and usage reporting over HTTP, with live
execution progress over WebSocket.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides config)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = config.DefaultServerPort
	}

	database, err := openDatabase(cfg, serverDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	srv, err := server.New(cfg, database, logger.Logger, verbosity)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	pterm.Info.Printf("Ensemble server starting on port %d\n", cfg.Server.Port)
	pterm.Printf("  Database: %s\n", cfg.GetDatabasePath())
	if cfg.Personas.File != "" {
		pterm.Printf("  Persona file: %s\n", cfg.Personas.File)
	}

	// Watch the project config so budget limits and the persona file can
	// change without a restart.
	if cfgPath := config.ProjectConfigPath(); cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath)
		if err != nil {
			pterm.Warning.Printf("Config watching disabled: %v\n", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				return srv.ApplyConfig(newCfg)
			})
			watcher.Start()
			defer watcher.Stop()
			pterm.Printf("  Watching config: %s\n", cfgPath)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
