// Command boardtail joins a board as a headless sync client and logs every
// change it receives. With -import it first loads a snapshot file into the
// page as a local edit, which pushes it to every other client; with -dump it
// writes the page snapshot on exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/config"
	"github.com/hazyhaar/boardsync/connectivity"
	"github.com/hazyhaar/boardsync/docstore"
	"github.com/hazyhaar/boardsync/funcsync"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/observability"
	"github.com/hazyhaar/boardsync/record"
	"github.com/hazyhaar/boardsync/session"
	"github.com/hazyhaar/boardsync/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	boardID := flag.String("board", "", "board id (required)")
	pageID := flag.String("page", "page:main", "page id")
	clientID := flag.String("client", "", "client id (default: generated)")
	importPath := flag.String("import", "", "snapshot JSON to load into the page")
	dumpPath := flag.String("dump", "", "write the page snapshot here on exit")
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
	logger := observability.NewLogger(level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	if *boardID == "" {
		slog.Error("-board is required")
		os.Exit(2)
	}
	if *clientID == "" {
		*clientID = idgen.Client()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := docstore.New()
	store.Listen(func(ch docstore.Change) {
		if ch.Source != docstore.SourceRemote || ch.OnlyEphemeral() {
			return
		}
		slog.Info("remote change", "put", len(ch.Put), "removed", len(ch.Removed), "records", store.Len())
	})

	board, functions := transports(cfg.Client, *boardID, *clientID, logger)
	s, err := session.New(cfg.Sync.Session(*boardID, *clientID, *pageID), session.Deps{
		Store:     store,
		Transport: board,
		Functions: functions,
		Backing:   boardstore.NewClient(cfg.Client.RelayURL, boardstore.WithClientLogger(logger)),
		Logger:    logger,
	})
	if err != nil {
		slog.Error("session", "error", err)
		os.Exit(1)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	if *importPath != "" {
		if err := importSnapshot(store, *importPath, *pageID); err != nil {
			slog.Error("import", "error", err, "path", *importPath)
		}
	}

	slog.Info("tailing board", "board", *boardID, "page", *pageID, "client", *clientID, "transport", cfg.Client.Transport)
	<-ctx.Done()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := s.Close(closeCtx); err != nil {
		slog.Error("close", "error", err)
	}
	<-runDone

	if *dumpPath != "" {
		snap := record.NewSnapshot(record.ForPage(store.ContentRecords(), s.Page()), record.CurrentSchema)
		if err := writeJSON(*dumpPath, snap); err != nil {
			slog.Error("dump", "error", err, "path", *dumpPath)
		}
	}
	slog.Info("stopped", "stats", s.Stats())
}

func transports(c config.ClientConfig, boardID, clientID string, logger *slog.Logger) (board, functions transport.Transport) {
	opts := func(channel string) []transport.Option {
		breaker := connectivity.NewCircuitBreaker(c.Transport+":"+channel,
			connectivity.WithBreakerOnChange(connectivity.LogStateChange(logger)))
		o := []transport.Option{transport.WithLogger(logger), transport.WithBreaker(breaker)}
		if c.Transport == "quic" {
			o = append(o, transport.WithTLSConfig(transport.ClientTLSConfig(c.Insecure)))
		}
		return o
	}
	fnChannel := funcsync.Channel(boardID)
	if c.Transport == "quic" {
		return transport.NewQUIC(c.QUICAddr, boardID, clientID, opts(boardID)...),
			transport.NewQUIC(c.QUICAddr, fnChannel, clientID, opts(fnChannel)...)
	}
	return transport.NewWebSocket(c.RelayURL, boardID, clientID, opts(boardID)...),
		transport.NewWebSocket(c.RelayURL, fnChannel, clientID, opts(fnChannel)...)
}

// importSnapshot puts the snapshot's records into the store, re-parenting
// top-level shapes onto pageID.
func importSnapshot(store *docstore.Store, path, pageID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap record.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	records := snap.Records()
	for i := range records {
		if records[i].TypeName == record.TypeShape && records[i].PageID == "" && records[i].ParentID == "" {
			records[i].ParentID = pageID
		}
	}
	store.Put(records...)
	slog.Info("imported", "records", len(records), "path", path)
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
