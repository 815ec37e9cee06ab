package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/termspace/termspace-core/config"
	"github.com/termspace/termspace-core/creds"
	"github.com/termspace/termspace-core/exec"
	"github.com/termspace/termspace-core/git"
	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/sandbox"
	"github.com/termspace/termspace-core/server"
	"github.com/termspace/termspace-core/session"
	"github.com/termspace/termspace-core/state"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		if err := logger.Init(cfg.LogFile); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logger.Close()
	}
	logger.SetDebug(cfg.Debug)
	log := logger.WithComponent("main")

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	executor := exec.NewRealExecutor()
	provisioner := sandbox.NewProvisioner()
	manager := session.NewManager(provisioner, store, cfg.WorkspacesBase,
		session.WithExecutor(executor))
	credProvider := creds.NewClient(cfg.SettingsServiceURL)
	gitSvc := git.NewService(executor, store, credProvider, manager, cfg.WorkspacesBase)

	srv := server.New(cfg.ListenAddr, manager, gitSvc, store, cfg.WorkspacesBase)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
