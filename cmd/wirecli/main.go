package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/danmuck/gamewire/internal/client"
	"github.com/danmuck/gamewire/internal/config"
	"github.com/danmuck/gamewire/internal/observability"
	"github.com/danmuck/gamewire/internal/payload"
	"github.com/danmuck/gamewire/internal/protocol"
	"github.com/danmuck/gamewire/internal/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wirecli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "cmd/wirecli/config.toml", "client config (.toml, .yaml)")
	addr := flag.String("addr", "", "server address, overrides config")
	kind := flag.String("transport", "", "tcp|tls|quic|websocket, overrides config")
	history := flag.String("history", "", "readline history file")
	flag.Parse()

	observability.InitLogger("wirecli")

	cfg := config.DefaultClientConfig()
	if _, err := os.Stat(*configPath); err == nil {
		if cfg, err = config.LoadClientConfig(*configPath); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(*kind); v != "" {
		cfg.Transport = v
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return err
	}

	rt, err := buildClient(cfg)
	if err != nil {
		return err
	}
	c, err := client.New(rt)
	if err != nil {
		return err
	}
	specs, err := config.StreamSpecs(cfg.Streams)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "\033[32mwire»\033[0m ",
		AutoComplete: newCompleter(),
		HistoryFile:  *history,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := newShell(c, specs, rl.Stdout())
	defer sh.Close()
	if err := sh.connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(rl.Stdout(), "type help for commands")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Debug().Err(err).Str("line", line).Msg("wirecli command failed")
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		}
	}
}

func buildClient(cfg config.ClientConfig) (client.Config, error) {
	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return client.Config{}, err
	}
	codec, err := payload.ParseCodec(cfg.Codec)
	if err != nil {
		return client.Config{}, err
	}
	out := client.Config{
		Transport:          kind,
		Addr:               cfg.Addr,
		Codec:              codec,
		Session:            cfg.Session.Session(),
		MaxConnectAttempts: cfg.MaxConnectAttempts,
	}
	if v := strings.TrimSpace(cfg.Pid); v != "" {
		if out.Pid, err = protocol.ParsePid(v); err != nil {
			return client.Config{}, err
		}
	}
	if v := strings.TrimSpace(cfg.Secret); v != "" {
		if out.Secret, err = protocol.ParseSecret(v); err != nil {
			return client.Config{}, err
		}
	}
	return out, nil
}
