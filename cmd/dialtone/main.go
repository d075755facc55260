package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordanhubbard/dialtone/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dialtone: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "-healthcheck":
			// For container HEALTHCHECK; distroless images have no curl.
			addr := os.Getenv("DIALTONE_LISTEN_ADDR")
			if addr == "" {
				addr = ":8090"
			}
			return runHealthCheck(healthURL(addr))
		case "-version":
			fmt.Printf("dialtone %s\n", version)
			return nil
		default:
			return fmt.Errorf("unknown flag %q", args[0])
		}
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	srv, err := app.NewServer(cfg, version)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			slog.Warn("server close error", slog.String("error", err.Error()))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // long streams
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("dialtone listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		serveErr <- httpServer.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go watchReload(hup, func() error {
		_, err := srv.ReloadCatalog()
		return err
	})
	defer func() {
		signal.Stop(hup)
		close(hup)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down, draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", slog.String("error", err.Error()))
	}
	slog.Info("shutdown complete")
	return nil
}

// healthURL turns a listen address into a URL the local process can dial.
// Wildcard and empty hosts become localhost.
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/healthz"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

// runHealthCheck succeeds when /healthz answers 200 with status "ok", which
// means at least one catalog pair has an adapter behind it.
func runHealthCheck(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("health check body: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		return fmt.Errorf("health check returned status %d (%s)", resp.StatusCode, body.Status)
	}
	return nil
}

// watchReload reloads the catalog on every signal until sig is closed.
func watchReload(sig <-chan os.Signal, reload func() error) {
	for range sig {
		slog.Info("SIGHUP received, reloading catalog")
		if err := reload(); err != nil {
			slog.Warn("catalog reload failed, keeping current catalog", slog.String("error", err.Error()))
		}
	}
}
