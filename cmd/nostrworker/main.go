// nostrworker-demo is a minimal embedding example for the worker package: it
// wires a Worker to a default relay set, exposes the status HTTP surface,
// and drives the heartbeat loop the worker depends on for reconnection and
// zombie-connection timing. It is not part of the library's public surface;
// it exists to exercise the rest of the module end to end.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrworker/nostrworker/internal/config"
	"github.com/nostrworker/nostrworker/internal/pool"
	"github.com/nostrworker/nostrworker/internal/statusapi"
	"github.com/nostrworker/nostrworker/internal/verify"
	"github.com/nostrworker/nostrworker/internal/worker"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting nostrworker demo")

	cfg := config.Load()
	slog.Info("config loaded",
		"database", cfg.DatabasePath,
		"relays", cfg.NostrRelays,
		"status_addr", cfg.StatusAddr,
	)

	w, err := worker.Spawn(
		cfg.DatabasePath,
		verify.Default{},
		worker.Config{Pool: cfg.Pool, SkipVerification: cfg.SkipVerify},
		onPoolState,
		onQueryResult,
	)
	if err != nil {
		slog.Error("failed to spawn worker", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	status := statusapi.New(w)
	statusSrv := &http.Server{Addr: cfg.StatusAddr, Handler: status}
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status server stopped", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(cfg.NostrRelays) > 0 {
		since := nostr.Now()
		w.RemoteQuery(ctx, worker.QueryRequest{
			ID:        "demo-firehose",
			Filters:   []nostr.Filter{{Kinds: []int{1}, Since: &since}},
			RelayURLs: cfg.NostrRelays,
		}, worker.Source{Stream: true})
	}

	heartbeat := time.NewTicker(cfg.Pool.HeartbeatInterval)
	defer heartbeat.Stop()

	w.Connect(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			_ = statusSrv.Close()
			if len(cfg.NostrRelays) > 0 {
				_ = w.RemoteCancel(worker.QueryRequest{ID: "demo-firehose"})
			}
			w.Disconnect()
			return
		case <-heartbeat.C:
			w.Heartbeat(false)
		}
	}
}

func onPoolState(state pool.PoolState) {
	open := 0
	for _, r := range state.Relays {
		if r.Open {
			open++
		}
	}
	slog.Debug("pool state", "relays", len(state.Relays), "open", open, "subscriptions", len(state.Subscriptions))
}

func onQueryResult(msg worker.QueryResultMessage) {
	if len(msg.SavedIDs) == 0 {
		return
	}
	slog.Info("query result saved", "sub_id", msg.Request.ID, "saved", len(msg.SavedIDs))
}
