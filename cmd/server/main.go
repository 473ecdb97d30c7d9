package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
	"github.com/Tyrowin/gosession/internal/loader/boltstore"
	"github.com/Tyrowin/gosession/internal/loader/fsstore"
	"github.com/Tyrowin/gosession/internal/logging"
	"github.com/Tyrowin/gosession/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "session server:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "config.json", "path of the JSON config file (empty disables the file)")
	addr := fs.String("addr", "", "listen address, overrides the configured port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	env := config.LookupEnv()
	cfg, created, err := config.Load(*configPath, env)
	log := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Error("unable to read config file, using defaults", "path", *configPath, "err", err)
	}
	if created {
		log.Info("created config file", "path", *configPath)
	}
	if len(env.Locked()) > 0 {
		log.Info("config properties locked by environment", "keys", env.Locked())
	}
	if *addr != "" {
		cfg.Port = *addr
	}

	store := config.NewStore(cfg)
	if *configPath != "" {
		w, err := config.Watch(*configPath, env, store, log)
		if err != nil {
			log.Warn("config file will not be reloaded", "err", err)
		} else {
			defer w.Close()
		}
	}

	backend, closeBackend, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	l, err := loader.New(backend, loader.Options{Timeout: store.Timeout, Log: log})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{Config: store, Loader: l, Log: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := srv.Preload(ctx); err != nil {
		log.Error("preloading failed", "err", err)
	}

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(shutdownTimeout)
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	var errs []error
	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	log.Info("session server shut down")
	return errors.Join(errs...)
}

// openBackend builds the configured project backend and its cleanup.
func openBackend(cfg config.Config, log *slog.Logger) (any, func() error, error) {
	switch cfg.Loader {
	case config.LoaderBolt:
		s, err := boltstore.Open(cfg.BoltPath, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.LoaderFS, "":
		return fsstore.New(log), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown loader %q", cfg.Loader)
	}
}
