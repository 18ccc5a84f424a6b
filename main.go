package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"jircd/internal/core"
	"jircd/internal/httpapi"
	"jircd/internal/server"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if RunCLI(os.Args[1:]) {
		return
	}

	host := flag.String("host", "localhost", "TCP listen host")
	port := flag.Int("port", 50000, "TCP listen port")
	apiAddr := flag.String("api-addr", "", "Admin API listen address (empty disables it)")
	logPath := flag.String("log", "", "Log file path (default stderr)")
	name := flag.String("name", "jircd", "Server display name")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	logOut := os.Stderr
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("open log file", "path", *logPath, "err", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	slog.Info("starting server", "version", Version, "addr", addr, "name", *name)

	dir := core.NewDirectory()
	dp := core.NewDispatcher(dir)
	srv := server.New(server.DefaultConfig(addr), dp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *apiAddr != "" {
		api := httpapi.New(dp, *name)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				slog.Error("admin api error", "err", err)
			}
		}()
		slog.Info("admin api listening", "addr", *apiAddr)
	}

	go RunMetrics(ctx, dir, time.Minute)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
