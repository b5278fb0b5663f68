package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/sapflow.report/internal/api"
)

func runServe(args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	var (
		site siteFlags
		dbf  dbFlags
	)
	site.register(fs)
	dbf.register(fs)
	listen := fs.String("listen", ":8080", "listen address")
	perDevice := fs.Bool("per-device", true, "keep usage buckets per device as uplinks arrive")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg, err := site.load()
	if err != nil {
		return err
	}
	database, err := dbf.open()
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(); err != nil {
		return err
	}

	processor, err := newProcessor(cfg, database, *perDevice, 0)
	if err != nil {
		return err
	}
	mux := api.NewServer(database, processor, cfg.GetFlowUnits(), cfg.GetOutputMode()).ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
	return nil
}
