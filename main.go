package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"

	"github.com/rope-park/Chat-service-sub000/internal/httpapi"
	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("starting chat server", "addr", cfg.Addr, "db", cfg.DBFile)

	st, err := store.Open(cfg.DBFile)
	if err != nil {
		slog.Error("open store", "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	reg := state.New(st, cfg.MaxUsers, cfg.RoomCapacity)
	if err := reg.Load(context.Background()); err != nil {
		slog.Error("load registry", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := NewServer(cfg.Addr, reg, st)
	if err := srv.Listen(ctx); err != nil {
		slog.Error("bind listener", "err", err)
		return 1
	}
	slog.Info("listening", "addr", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.HTTPAddr != "" {
		api := httpapi.New(reg, st)
		g.Go(func() error { return api.Run(gctx, cfg.HTTPAddr) })
		slog.Info("admin api enabled", "addr", cfg.HTTPAddr)
	}

	go RunStats(gctx, reg, st, cfg.StatsInterval)

	console := &Console{reg: reg, st: st, in: os.Stdin, out: os.Stdout}
	go console.Run(gctx, cancel)

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}
