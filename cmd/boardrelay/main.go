// Command boardrelay runs the relay: room fan-out over WebSocket and QUIC,
// the backing-store REST API and the MCP tools, over one SQLite database.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/config"
	"github.com/hazyhaar/boardsync/observability"
	"github.com/hazyhaar/boardsync/relay"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	level, err := observability.ParseLevel(cfg.Log.Level)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := boardstore.Open(cfg.Relay.DBPath)
	if err != nil {
		slog.Error("board store", "error", err, "path", cfg.Relay.DBPath)
		os.Exit(1)
	}
	defer store.Close()

	hub := relay.NewHub(
		relay.WithLogger(logger),
		relay.WithSendBuffer(cfg.Relay.SendBuffer),
		relay.WithPingInterval(cfg.Relay.PingInterval),
	)
	defer hub.Close()

	// Metrics live in the board database.
	if cfg.Relay.MetricsInterval > 0 {
		if err := observability.Init(store.DB()); err != nil {
			slog.Error("metrics init", "error", err)
			os.Exit(1)
		}
		metrics := observability.NewMetrics(store.DB(), 100, 5*time.Second, logger)
		defer metrics.Close()
		if n, err := metrics.Cleanup(ctx, cfg.Relay.MetricsRetention); err != nil {
			slog.Warn("metrics cleanup", "error", err)
		} else if n > 0 {
			slog.Info("metrics cleanup", "removed", n)
		}

		reporter := observability.NewReporter(metrics, cfg.Relay.MetricsInterval, logger)
		reporter.Add("runtime", observability.RuntimeGauge)
		reporter.Add("hub", func() map[string]float64 {
			st := hub.Stats()
			return map[string]float64{
				"rooms":     float64(st.Rooms),
				"peers":     float64(st.Peers),
				"frames":    float64(st.Frames),
				"delivered": float64(st.Delivered),
				"dropped":   float64(st.Dropped),
				"malformed": float64(st.Malformed),
			}
		})
		go reporter.Run(ctx)
	}

	srv := relay.NewServer(hub, store, relay.WithLogger(logger), relay.WithPingInterval(cfg.Relay.PingInterval))

	// Optional QUIC broadcast-channel listener.
	if cfg.Relay.QUICAddr != "" {
		var tlsCfg *tls.Config
		if cfg.Relay.TLSCert != "" {
			tlsCfg, err = relay.ServerTLSConfig(cfg.Relay.TLSCert, cfg.Relay.TLSKey)
		} else {
			slog.Warn("QUIC uses a self-signed certificate; clients must skip verification")
			tlsCfg, err = relay.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("QUIC TLS", "error", err)
			os.Exit(1)
		}
		ql, err := relay.ListenQUIC(cfg.Relay.QUICAddr, tlsCfg, hub, relay.WithLogger(logger))
		if err != nil {
			slog.Error("QUIC listener", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := ql.Serve(ctx); err != nil {
				slog.Error("QUIC", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Relay.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("relay starting", "addr", cfg.Relay.HTTPAddr, "quic", cfg.Relay.QUICAddr, "db", cfg.Relay.DBPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("relay stopped", "stats", hub.Stats())
}
