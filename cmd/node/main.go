package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/network"
	"agentworld.ai/internal/node"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to node.yaml (empty runs built-in defaults)")
		nodeID     = flag.String("node", "", "node id override")
		role       = flag.String("role", "", "role override: sequencer | observer | storage")
		dataDir    = flag.String("data", "", "data directory override")
		listenAddr = flag.String("listen", "", "websocket listen address override (empty disables the ws endpoint)")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg, err := node.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		os.Exit(1)
	}
	if strings.TrimSpace(*nodeID) != "" {
		cfg.NodeID = *nodeID
	}
	if strings.TrimSpace(*role) != "" {
		cfg.Role = node.Role(*role)
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = *dataDir
	}
	if strings.TrimSpace(*listenAddr) != "" {
		cfg.ListenAddr = *listenAddr
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid config")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		var ne *node.NodeError
		if errors.As(err, &ne) {
			log.Error().Str("kind", string(ne.Kind)).Err(err).Msg("node failed")
		} else {
			log.Error().Err(err).Msg("node failed")
		}
		os.Exit(1)
	}
}

func run(cfg node.Config, log zerolog.Logger) error {
	bus := network.NewBus()

	n, err := node.New(cfg, bus, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := n.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close")
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.ListenAddr != "" {
		ws := network.NewWSServer(bus, log)
		mux := http.NewServeMux()
		mux.Handle("/v1/ws", ws.Handler())
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.ListenAddr).Msg("websocket endpoint listening")
			if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				log.Error().Err(serr).Msg("websocket endpoint failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := n.Run(ctx); err != nil {
		return err
	}
	status := n.Status()
	fmt.Fprintf(os.Stderr, "shutdown at height %d, state root %s\n", status.Height, status.StateRoot)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
