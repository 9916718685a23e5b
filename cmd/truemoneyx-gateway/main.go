package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/config"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf
var logOutput io.Writer = os.Stderr

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("truemoneyx-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to truemoneyx config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("TRUEMONEYX_CONFIG_PATH"))

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return err
	}
	cfg.ListenAddr = firstNonEmpty(getenv("TMX_LISTEN_ADDR"), cfg.ListenAddr)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(logOutput, cfg.LogLevel)
	if err != nil {
		return err
	}

	server, cleanup, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("truemoneyx-gateway listening",
		slog.String("addr", server.Addr),
		slog.String("chain", cfg.Chain.Mode),
		slog.String("db", firstNonEmpty(cfg.DB.Driver, "memory")))
	if err := listen(server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
