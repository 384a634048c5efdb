package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/gamewire/internal/config"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/server"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wired: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "cmd/wired/config.toml", "server config (.toml, .yaml)")
	overridePath := flag.String("override", "", "optional flat TOML overrides")
	flag.Parse()

	observability.InitLogger("wired")

	cfg := config.DefaultServerConfig()
	if _, err := os.Stat(*configPath); err == nil {
		if cfg, err = config.LoadServerConfig(*configPath); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	} else {
		log.Warn().Str("path", *configPath).Msg("wired config not found, using defaults")
	}
	if p := strings.TrimSpace(*overridePath); p != "" {
		if err := applyOverrides(p, &cfg); err != nil {
			return err
		}
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	srv, err := server.New(rt)
	if err != nil {
		return err
	}

	listeners := make([]transport.Listener, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		kind, err := transport.ParseKind(l.Transport)
		if err != nil {
			return err
		}
		ln, err := transport.Listen(kind, l.Addr, rt.Session)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info().Str("node", cfg.Name).Str("handler", cfg.Handler).Int("listeners", len(listeners)).Msg("wired starting")
	return srv.Run(ctx, listeners)
}

func buildRuntime(cfg config.ServerConfig) (server.Config, error) {
	codec, err := payload.ParseCodec(cfg.Codec)
	if err != nil {
		return server.Config{}, err
	}
	validator, err := cfg.Auth.Validator()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Name:        cfg.Name,
		AdminAddr:   cfg.AdminAddr,
		CorsOrigins: cfg.CorsOrigins,
		Workers:     cfg.Workers,
		Codec:       codec,
		Session:     cfg.Session.Session(),
		Validator:   validator,
		Handler:     cfg.Handler,
	}, nil
}
