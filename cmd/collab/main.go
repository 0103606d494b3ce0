// The collab service: real-time fan-out for views, notes, whiteboards and
// spreadsheets, with background persistence of cached state into Postgres.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabreef/collabreef/internal/cache"
	"github.com/collabreef/collabreef/internal/config"
	"github.com/collabreef/collabreef/internal/crdt"
	"github.com/collabreef/collabreef/internal/server"
	"github.com/collabreef/collabreef/internal/store"
	"github.com/collabreef/collabreef/internal/worker"
	"github.com/collabreef/collabreef/internal/ws"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.Info("starting collab service", "version", Version)

	config.Init()
	ctx := context.Background()

	cacheClient, err := cache.NewClient(cache.Config{
		Addr:     config.C.GetString(config.REDIS_ADDR),
		Password: config.C.GetString(config.REDIS_PASSWORD),
		DB:       config.C.GetInt(config.REDIS_DB),
	})
	if err != nil {
		return err
	}
	defer cacheClient.Close()
	slog.Info("redis connected", "addr", config.C.GetString(config.REDIS_ADDR))

	st, err := store.New(ctx, config.C.GetString(config.DATABASE_URL))
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("database connected")

	viewCache := cache.NewViewCache(cacheClient)
	noteCache := cache.NewNoteCache(cacheClient)
	whiteboardCache := cache.NewWhiteboardCache(cacheClient)
	spreadsheetCache := cache.NewSpreadsheetCache(cacheClient)

	hub := ws.NewHub(ws.Caches{
		View:        viewCache,
		Note:        noteCache,
		Whiteboard:  whiteboardCache,
		Spreadsheet: spreadsheetCache,
	})
	hub.Start()

	merger := crdt.NewMerger()
	notePersister := worker.NewNotePersister(noteCache, st, merger)
	viewPersister := worker.NewViewPersister(viewCache, merger)
	whiteboardPersister := worker.NewWhiteboardPersister(whiteboardCache, st)
	spreadsheetPersister := worker.NewSpreadsheetPersister(spreadsheetCache, st)

	notePersister.Start(ctx)
	viewPersister.Start(ctx)
	whiteboardPersister.Start(ctx)
	spreadsheetPersister.Start(ctx)

	srv := server.New(hub)
	httpServer := &http.Server{
		Addr:    ":" + config.C.GetString(config.PORT),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("collab service listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	// The drain is bounded: if anything hangs, exit anyway.
	shutdownTimeout := config.C.GetDuration(config.SHUTDOWN_TIMEOUT)
	forced := time.AfterFunc(shutdownTimeout, func() {
		slog.Error("forced shutdown", "timeout", shutdownTimeout)
		os.Exit(1)
	})
	defer forced.Stop()

	notePersister.Stop()
	viewPersister.Stop()
	whiteboardPersister.Stop()
	spreadsheetPersister.Stop()

	slog.Info("running final persistence")
	drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := errors.Join(
		notePersister.ForcePersist(drainCtx),
		viewPersister.ForcePersist(drainCtx),
		whiteboardPersister.ForcePersist(drainCtx),
		spreadsheetPersister.ForcePersist(drainCtx),
	); err != nil {
		slog.Error("final persistence incomplete", "error", err)
	} else {
		slog.Info("final persistence complete")
	}

	hub.Stop()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	slog.Info("collab service stopped")
	return nil
}
