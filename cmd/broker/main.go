// The broker command runs the message broker agents connect to.
//
// Run: go run ./cmd/broker -addr localhost:9090
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/agentcomm/broker"
	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/logging"
)

func main() {
	var (
		addr       = flag.String("addr", "", "listen address (overrides config)")
		configPath = flag.String("config", "", "path to TOML config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := logging.New()
	if *debug {
		logger.SetLevel(logging.LevelDebug)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("load config", map[string]interface{}{"path": *configPath, "error": err.Error()})
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.BrokerAddr = *addr
	}

	srv := broker.NewServer(cfg.BrokerAddr, logger)
	if err := srv.Start(); err != nil {
		logger.Error("start broker", map[string]interface{}{"addr": cfg.BrokerAddr, "error": err.Error()})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
