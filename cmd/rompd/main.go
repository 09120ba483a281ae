// Command rompd is a STOMP 1.2 message broker: clients connect over TCP (or
// WebSocket), negotiate a session with a STOMP/CONNECT handshake, and
// exchange framed request/response messages. SEND frames fan out to
// SUBSCRIBE'd destinations; BEGIN/COMMIT/ABORT batch sends into
// transactions.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rompd/rompd/broker"
	"github.com/rompd/rompd/internal/config"
)

var (
	flagConfig    = flag.String("config", "", "path to TOML config file")
	flagAddr      = flag.String("addr", broker.DefaultAddr, "TCP listen address")
	flagWSAddr    = flag.String("ws-addr", "", "WebSocket listen address (empty disables)")
	flagReadTO    = flag.Duration("read-timeout", broker.DefaultReadTimeout, "per-read socket deadline")
	flagWriteTO   = flag.Duration("write-timeout", broker.DefaultWriteTimeout, "per-write socket deadline")
	flagRespTO    = flag.Duration("response-timeout", broker.DefaultResponseTimeout, "dispatcher response deadline")
	flagDepth     = flag.Int("delivery-depth", broker.DefaultDeliveryDepth, "per-connection outbound queue size")
	flagNoDelay   = flag.Bool("nodelay", true, "set TCP_NODELAY")
	flagKeepAlive = flag.Duration("keepalive", 30*time.Second, "TCP keepalive period (0 disables)")
	flagLogLevel  = flag.String("log-level", "", "log level: trace, debug, info, warn, error")
	flagLogPretty = flag.Bool("log-pretty", false, "human-readable console logs instead of JSON")
)

func flagSetByUser(flagSet *flag.FlagSet, name string) bool {
	var found bool
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func loadConfig() (broker.Config, config.LogConfig, error) {
	cfg, logCfg := config.Default()
	if *flagConfig != "" {
		var err error
		cfg, logCfg, err = config.Load(*flagConfig)
		if err != nil {
			return broker.Config{}, config.LogConfig{}, err
		}
	}

	// Flags given on the command line win over the config file.
	if flagSetByUser(flag.CommandLine, "addr") {
		cfg.Addr = *flagAddr
	}
	if flagSetByUser(flag.CommandLine, "ws-addr") {
		cfg.WSAddr = *flagWSAddr
	}
	if flagSetByUser(flag.CommandLine, "read-timeout") {
		cfg.ReadTimeout = *flagReadTO
	}
	if flagSetByUser(flag.CommandLine, "write-timeout") {
		cfg.WriteTimeout = *flagWriteTO
	}
	if flagSetByUser(flag.CommandLine, "response-timeout") {
		cfg.ResponseTimeout = *flagRespTO
	}
	if flagSetByUser(flag.CommandLine, "delivery-depth") {
		cfg.DeliveryDepth = *flagDepth
	}
	if flagSetByUser(flag.CommandLine, "nodelay") {
		cfg.NoDelay = *flagNoDelay
	}
	if flagSetByUser(flag.CommandLine, "keepalive") {
		cfg.KeepAlive = *flagKeepAlive
	}
	if flagSetByUser(flag.CommandLine, "log-level") {
		logCfg.Level = *flagLogLevel
	}
	if flagSetByUser(flag.CommandLine, "log-pretty") {
		logCfg.Pretty = *flagLogPretty
	}

	if err := config.Validate(cfg, logCfg); err != nil {
		return broker.Config{}, config.LogConfig{}, err
	}
	return cfg, logCfg, nil
}

func newLogger(logCfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(logCfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if logCfg.Pretty {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("app", "rompd").Logger()
}

func main() {
	flag.Parse()

	cfg, logCfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rompd: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(logCfg)

	server := broker.NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		// No listening port, no broker.
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("bind failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	server.Stop()
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rompd — STOMP 1.2 message broker\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
