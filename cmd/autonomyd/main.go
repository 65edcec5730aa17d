package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cgast/autonomy/internal/config"
	"github.com/cgast/autonomy/pkg/engine"
)

func main() {
	var (
		rootDir    = flag.String("root", ".", "root directory for .eaos/autonomy state")
		configPath = flag.String("config", ".eaos/autonomy.yaml", "path to the engine config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autonomyd: loading config: %v\n", err)
		os.Exit(1)
	}

	e, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autonomyd: %v\n", err)
		os.Exit(1)
	}

	if err := e.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "autonomyd: initialize: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	if err := e.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "autonomyd: start: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "autonomyd: running, root=%s\n", cfg.RootDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "autonomyd: received %s, stopping\n", sig)

	if err := e.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "autonomyd: stop: %v\n", err)
		os.Exit(1)
	}
}
